package domain

import (
	"errors"
	"fmt"
)

// Errors surfaced by the voice session components. Callers match them with
// errors.Is; components wrap them with context.
var (
	// ErrPermissionDenied is returned when the microphone is declined or absent.
	ErrPermissionDenied = errors.New("microphone permission denied")

	// ErrUnsupportedPlatform is returned when no capture API is available.
	ErrUnsupportedPlatform = errors.New("audio capture is not supported on this platform")

	// ErrInvalidState is returned when an operation is not valid in the current state.
	ErrInvalidState = errors.New("invalid state")

	// ErrNotConnected is returned by channel operations that need an open transport.
	ErrNotConnected = errors.New("not connected")

	// ErrChannelUnavailable is returned by Send when the channel is not open.
	// It wraps ErrNotConnected.
	ErrChannelUnavailable = fmt.Errorf("channel unavailable: %w", ErrNotConnected)

	// ErrProtocol marks an inbound frame that could not be decoded.
	ErrProtocol = errors.New("protocol error")

	// ErrLoad is returned when an audio reference cannot be fetched or decoded.
	ErrLoad = errors.New("audio load failed")

	// ErrTimeoutOrDrop marks a transport that dropped or timed out.
	ErrTimeoutOrDrop = errors.New("connection timed out or dropped")

	// ErrForbidden is returned when the signed-in role may not use a feature.
	ErrForbidden = errors.New("forbidden for role")

	// ErrAwaitingResponse is returned when a chunk is sent while the previous
	// one has not been answered yet.
	ErrAwaitingResponse = errors.New("still awaiting response")
)
