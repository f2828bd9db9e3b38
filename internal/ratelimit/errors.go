package ratelimit

import "errors"

var (
	// ErrShutdown is delivered to every queued and in-flight caller when
	// the orchestrator stops.
	ErrShutdown = errors.New("rate limiter shutting down")

	// ErrTimeout is delivered when a request's deadline passes before it
	// could be executed.
	ErrTimeout = errors.New("request timed out in rate limiter queue")
)
