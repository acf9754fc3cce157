package transcriber

import (
	"context"
	"time"
)

// Request is one bounded audio clip sent to a batch transcription endpoint.
type Request struct {
	Audio    []byte
	MimeType string
	Diarize  bool
	Start    time.Time
	Duration time.Duration
}

type Result struct {
	Transcript string
	Confidence float64
}

// BatchTranscriber transcribes one clip per call. Failures are classified
// with apperr.
type BatchTranscriber interface {
	Transcribe(ctx context.Context, req Request) (*Result, error)
}
