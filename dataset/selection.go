// Copyright 2025 Haloscope Ltd.
// SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"encoding/json"
	"fmt"

	"github.com/haloscope/snapserve/errors"
)

// DefaultTypeTag is the object kind assumed when an ObjectSpec leaves it
// empty.
const DefaultTypeTag = "halo"

// Selection picks a subset of a snapshot's particles. The set of
// implementations is closed: All, Sphere and ObjectSpec. Selections travel
// inside requests as a {kind, body} JSON envelope, so adding a kind means
// touching MarshalSelection, UnmarshalSelection and Dataset.Select together.
type Selection interface {
	// SelectionKind returns the wire kind tag.
	SelectionKind() string
}

// All selects every particle.
type All struct{}

func (All) SelectionKind() string { return "all" }

func (All) String() string { return "all particles" }

// Sphere selects particles within Radius of the centre point.
type Sphere struct {
	Cx     float64 `json:"cx"`
	Cy     float64 `json:"cy"`
	Cz     float64 `json:"cz"`
	Radius float64 `json:"radius"`
}

func (Sphere) SelectionKind() string { return "sphere" }

func (s Sphere) String() string {
	return fmt.Sprintf("sphere r=%g at (%g,%g,%g)", s.Radius, s.Cx, s.Cy, s.Cz)
}

// ObjectSpec names one object from a finder catalogue: the particles whose
// membership entry equals FinderID. FinderOffset carries the object's
// position within the finder's own output for loaders whose catalogues are
// keyed by position rather than label. A zero TypeTag means DefaultTypeTag.
//
// ObjectSpec is a comparable value: two specs naming the same object are ==.
type ObjectSpec struct {
	FinderID     int64  `json:"finderID"`
	FinderOffset int64  `json:"finderOffset"`
	TypeTag      string `json:"typeTag,omitempty"`
}

func (ObjectSpec) SelectionKind() string { return "object" }

func (o ObjectSpec) String() string {
	tag := o.TypeTag
	if tag == "" {
		tag = DefaultTypeTag
	}
	return fmt.Sprintf("%s %d (offset %d)", tag, o.FinderID, o.FinderOffset)
}

// selectionEnvelope is the wire form of a Selection.
type selectionEnvelope struct {
	Kind string          `json:"kind"`
	Body json.RawMessage `json:"body,omitempty"`
}

// MarshalSelection encodes sel as its {kind, body} envelope.
func MarshalSelection(sel Selection) ([]byte, error) {
	if sel == nil {
		return nil, errors.New(errors.ErrProtocol, "nil selection")
	}
	env := selectionEnvelope{Kind: sel.SelectionKind()}
	switch sel.(type) {
	case All:
		// no body
	case Sphere, ObjectSpec:
		body, err := json.Marshal(sel)
		if err != nil {
			return nil, errors.Wrap(err, "marshaling selection body")
		}
		env.Body = body
	default:
		return nil, errors.Newf(errors.ErrProtocol, "unknown selection %T", sel)
	}
	return json.Marshal(env)
}

// UnmarshalSelection decodes a {kind, body} envelope. Unknown kinds and
// malformed bodies are protocol errors.
func UnmarshalSelection(b []byte) (Selection, error) {
	var env selectionEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, errors.Newf(errors.ErrProtocol, "decoding selection envelope: %v", err)
	}
	switch env.Kind {
	case "all":
		return All{}, nil
	case "sphere":
		var s Sphere
		if err := json.Unmarshal(env.Body, &s); err != nil {
			return nil, errors.Newf(errors.ErrProtocol, "decoding sphere selection: %v", err)
		}
		return s, nil
	case "object":
		var o ObjectSpec
		if err := json.Unmarshal(env.Body, &o); err != nil {
			return nil, errors.Newf(errors.ErrProtocol, "decoding object selection: %v", err)
		}
		return o, nil
	default:
		return nil, errors.Newf(errors.ErrProtocol, "unknown selection kind %q", env.Kind)
	}
}

// WireSelection adapts a Selection for embedding in JSON message bodies.
type WireSelection struct {
	Selection
}

func (w WireSelection) MarshalJSON() ([]byte, error) {
	return MarshalSelection(w.Selection)
}

func (w *WireSelection) UnmarshalJSON(b []byte) error {
	sel, err := UnmarshalSelection(b)
	if err != nil {
		return err
	}
	w.Selection = sel
	return nil
}
