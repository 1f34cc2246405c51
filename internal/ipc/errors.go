package ipc

import (
	"encoding/json"
	"errors"
)

var (
	// ErrServerClosed is returned by Serve and Emit after Terminate.
	ErrServerClosed = errors.New("ipc: server closed")

	// ErrAlreadyServing is returned by a second Serve call on one server.
	ErrAlreadyServing = errors.New("ipc: already serving")
)

// ChannelError is an error reported by the child over the channel. It
// round-trips through the error event payload: the child encodes one with
// EncodeError, the parent reconstructs it with DecodeError.
type ChannelError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (e *ChannelError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// EncodeError converts an error into a payload for the error event. A
// *ChannelError passes through unchanged so codes survive the trip.
func EncodeError(err error) *ChannelError {
	var ce *ChannelError
	if errors.As(err, &ce) {
		return ce
	}
	return &ChannelError{Message: err.Error()}
}

// DecodeError reconstructs the typed error from an error event payload.
// Payloads that aren't valid encodings still produce a usable error rather
// than losing the report.
func DecodeError(raw json.RawMessage) error {
	var ce ChannelError
	if err := json.Unmarshal(raw, &ce); err == nil && ce.Message != "" {
		return &ce
	}
	return &ChannelError{Message: string(raw)}
}
