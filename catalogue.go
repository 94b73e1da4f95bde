// Copyright 2025 Haloscope Ltd.
// SPDX-License-Identifier: Apache-2.0

package snapserve

import (
	"github.com/haloscope/snapserve/transport"
)

// Catalogue is a portable object-membership table: entry i is the id of
// the object containing particle i, zero meaning none by convention. It is
// dense rather than per-object, so it travels once and any rank resolves
// "which of my particles belong to object N" locally ever after.
type Catalogue struct {
	ids []uint64
}

// NewCatalogue wraps ids without copying. The table is read-only from here
// on.
func NewCatalogue(ids []uint64) *Catalogue { return &Catalogue{ids: ids} }

// Len returns the number of particles covered.
func (c *Catalogue) Len() int { return len(c.ids) }

// IDs returns the underlying table, read-only.
func (c *Catalogue) IDs() []uint64 { return c.ids }

// Object filters index down to the particles belonging to object id,
// preserving relative order. index holds whole-snapshot particle indices,
// typically a view's membership list.
func (c *Catalogue) Object(id uint64, index []int64) []int64 {
	var out []int64
	for _, i := range index {
		if c.ids[i] == id {
			out = append(out, i)
		}
	}
	return out
}

// Send ships the whole table to dest.
func (c *Catalogue) Send(x transport.Exchange, dest int) error {
	return send(x, &CatalogueMessage{IDs: c.ids}, dest)
}

// ReceiveCatalogue receives a table shipped by Send.
func ReceiveCatalogue(x transport.Exchange, src int) (*Catalogue, error) {
	msg, err := expect[*CatalogueMessage](x, src)
	if err != nil {
		return nil, err
	}
	return NewCatalogue(msg.IDs), nil
}
