// Copyright 2025 Haloscope Ltd.
// SPDX-License-Identifier: Apache-2.0

// Package errors wraps pkg/errors and adds the error codes understood by both
// ends of the snapshot-serving protocol. Codes survive a trip over the wire
// (see MarshalJSON/UnmarshalJSON), so a failure raised inside the server can
// be re-checked with Is() on the client.
package errors

import (
	"encoding/json"
	"io"

	"github.com/pkg/errors"
)

// Code is an error code which can be used to check against a given error.
// For example, see the Is() method.
type Code string

const (
	// ErrUncoded is the generic code for errors that never chose one.
	ErrUncoded Code = "Uncoded"

	// ErrNotFound means the requested dataset path does not exist. It is
	// surfaced to the caller unchanged and never retried.
	ErrNotFound Code = "NotFound"

	// ErrProtocol means an unknown or mismatched message tag, or a payload
	// that does not decode to the expected structure. A connection that
	// sees one of these is unusable.
	ErrProtocol Code = "Protocol"

	// ErrTransfer means an array could not be moved: unknown dtype code,
	// shared segment missing, or shape/stride metadata inconsistent with
	// the declared byte length. Fatal to the request, not the connection.
	ErrTransfer Code = "Transfer"

	// ErrArrayNotFound means the named array does not exist on the dataset.
	// Surfaced per access; the connection remains usable.
	ErrArrayNotFound Code = "ArrayNotFound"

	// ErrFamilyNotFound means the named particle family does not exist.
	ErrFamilyNotFound Code = "FamilyNotFound"

	// ErrConnClosed means the connection was released, or poisoned by an
	// earlier protocol error.
	ErrConnClosed Code = "ConnectionClosed"
)

func New(code Code, message string) error {
	return errors.WithStack(codedError{
		Code:    code,
		Message: message,
	})
}

// Newf is New with formatting.
func Newf(code Code, format string, args ...interface{}) error {
	return errors.WithStack(codedError{
		Code:    code,
		Message: errors.Errorf(format, args...).Error(),
	})
}

func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

func Cause(err error) error {
	return errors.Cause(err)
}

func Errorf(format string, args ...interface{}) error {
	return errors.Errorf(format, args...)
}

// Is is a fork of the Is() method from `pkg/errors` which takes as its target
// an error Code instead of an error.
func Is(err error, target Code) bool {
	match := codedError{
		Code: target,
	}
	return errors.Is(err, match)
}

func Unwrap(err error) error {
	return errors.Unwrap(err)
}

func WithMessage(err error, message string) error {
	return errors.WithMessage(err, message)
}

func WithMessagef(err error, format string, args ...interface{}) error {
	return errors.WithMessagef(err, format, args...)
}

func WithStack(err error) error {
	return errors.WithStack(err)
}

func Wrap(err error, message string) error {
	return errors.Wrap(err, message)
}

func Wrapf(err error, fmt string, args ...interface{}) error {
	return errors.Wrapf(err, fmt, args...)
}

// codedError is the fundamental type used by this package to provide coded
// errors.
type codedError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Wrapped string `json:"wrapped,omitempty"`
}

func (ce codedError) Error() string {
	if ce.Wrapped != "" {
		return ce.Wrapped
	}
	return ce.Message
}

func (ce codedError) Is(err error) bool {
	if e, ok := err.(codedError); ok && ce.Code == e.Code {
		return true
	}
	return false
}

// MarshalJSON returns the provided error as a json object (as a string)
// representing a codedError. If err is not already a codedError, the json
// object will still represent a codedError but its `code` value will be
// ErrUncoded, meaning the far side can still unwrap a real error, just not
// check a useful code on it.
func MarshalJSON(err error) string {
	cause := Cause(err)

	var out *codedError

	switch v := cause.(type) {
	case codedError:
		v.Wrapped = err.Error()
		out = &v
	default:
		out = &codedError{
			Code:    ErrUncoded,
			Message: cause.Error(),
			Wrapped: err.Error(),
		}
	}

	j, jerr := json.Marshal(out)
	if jerr != nil {
		return out.Error()
	}

	return string(j)
}

// UnmarshalJSON converts the byte stream into a codedError. If the bytes
// can't unmarshal to a codedError, a normal error is returned containing
// the string value of the byte slice.
func UnmarshalJSON(r io.Reader) error {
	b, _ := io.ReadAll(r)

	out := &codedError{}
	if err := json.Unmarshal(b, out); err != nil {
		return errors.New(string(b))
	}
	return out
}
