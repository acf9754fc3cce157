package diarization

import (
	"context"
	"fmt"
)

const (
	EncodingLinear16 = "linear16"
)

type DialOptions struct {
	Model          string
	Language       string
	Encoding       string
	SampleRate     int
	Channels       int
	Diarize        bool
	InterimResults bool
	Punctuate      bool
	SmartFormat    bool
}

// Conn is one open duplex session with the streaming service.
type Conn interface {
	Send(ctx context.Context, audio []byte) error
	// KeepAlive sends the provider's idle keepalive.
	KeepAlive(ctx context.Context) error
	Results() <-chan Result
	// Done is closed when the session ended for any reason.
	Done() <-chan struct{}
	// Err reports why the session ended. It is nil for a normal closure.
	Err() error
	Close(ctx context.Context) error
}

type Transport interface {
	Dial(ctx context.Context, opts DialOptions) (Conn, error)
}

// CloseError is an abnormal closure reported by the remote side.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("connection closed with code %d: %s", e.Code, e.Reason)
}
