package protocol

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

// Message types interpreted by the Dispatcher. Any other type is relayed untouched.
const (
	TypeJoin = "JOIN"
	TypeExit = "EXIT"
	TypeMove = "MOVE"
)

// ErrDecode marks a payload that is not a UTF-8 JSON object.
var ErrDecode = errors.New("decoding payload")

// DecodeError describes a payload the Dispatcher could not decode.
type DecodeError struct {
	Reason string
	Len    int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: %s (%d bytes)", ErrDecode, e.Reason, e.Len)
}

// Unwrap lets errors.Is match ErrDecode.
func (e *DecodeError) Unwrap() error { return ErrDecode }

// PlayerStore is the set of mutations decoded events are applied to.
type PlayerStore interface {
	Join(id string)
	Exit(id string)
	Move(id string, x, z float64)
}

// Dispatcher decodes payloads and applies player events to a PlayerStore.
type Dispatcher struct {
	store PlayerStore
}

// NewDispatcher creates a Dispatcher writing to store.
//
// Precondition: store must be non-nil.
func NewDispatcher(store PlayerStore) *Dispatcher {
	return &Dispatcher{store: store}
}

// Dispatch decodes payload and applies the event it names.
// Unknown or missing types are ignored.
//
// Postcondition: Returns a *DecodeError if payload is not valid UTF-8 or not a
// JSON object; nil otherwise.
func (d *Dispatcher) Dispatch(payload []byte) error {
	if !utf8.Valid(payload) {
		return &DecodeError{Reason: "invalid utf-8", Len: len(payload)}
	}
	if !gjson.ValidBytes(payload) {
		return &DecodeError{Reason: "malformed json", Len: len(payload)}
	}
	msg := gjson.ParseBytes(payload)
	if !msg.IsObject() {
		return &DecodeError{Reason: "not a json object", Len: len(payload)}
	}

	switch stringField(msg, "type") {
	case TypeJoin:
		d.store.Join(stringField(msg, "id"))
	case TypeExit:
		d.store.Exit(stringField(msg, "id"))
	case TypeMove:
		d.store.Move(stringField(msg, "id"), numberField(msg, "x"), numberField(msg, "z"))
	}
	return nil
}

// stringField returns the named string member, or "" if absent or not a string.
func stringField(msg gjson.Result, name string) string {
	v := msg.Get(name)
	if v.Type != gjson.String {
		return ""
	}
	return v.Str
}

// numberField returns the named numeric member, or 0 if absent or not a number.
func numberField(msg gjson.Result, name string) float64 {
	v := msg.Get(name)
	if v.Type != gjson.Number {
		return 0
	}
	return v.Num
}
