package sse

import "errors"

var (
	// ErrStreamingNotSupported is returned when the response writer doesn't support streaming.
	ErrStreamingNotSupported = errors.New("streaming not supported")

	// ErrConnectionClosed is returned when trying to write to a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
)

// Close reasons reported to the client in the final event.
const (
	ReasonConnectionLimit = "connection_limit"
	ReasonSlowConsumer    = "slow_consumer"
	ReasonTimeout         = "timeout"
	ReasonShutdown        = "shutdown"
)
