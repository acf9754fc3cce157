package audio

import "context"

type SourceKind string

const (
	SourceMicrophone  SourceKind = "microphone"
	SourceSystemAudio SourceKind = "system_audio"
)

// Source is one physical capture stream.
type Source interface {
	// Start begins delivering captured samples to onSamples from a capture goroutine.
	Start(onSamples func([]int16)) error
	// Ended is closed when capture stops without Close being called,
	// e.g. the device disappeared or access was revoked.
	Ended() <-chan struct{}
	Close() error
}

// Capturer opens capture sources. Failures are classified with apperr so
// callers can tell a denied source from an unsupported one.
type Capturer interface {
	Open(ctx context.Context, kind SourceKind, format Format) (Source, error)
}

type ProbeResult struct {
	Kind SourceKind
	// Status is "ok", "denied", "unsupported" or "failed".
	Status string
	Err    error
}

// Probe opens and immediately closes each capture source to report which
// ones this host can provide.
func Probe(ctx context.Context, c Capturer, format Format) []ProbeResult {
	kinds := []SourceKind{SourceMicrophone, SourceSystemAudio}
	results := make([]ProbeResult, 0, len(kinds))
	for _, kind := range kinds {
		err := probeOne(ctx, c, kind, format)
		status := "ok"
		if err != nil {
			status = warningReason(err)
		}
		results = append(results, ProbeResult{Kind: kind, Status: status, Err: err})
	}
	return results
}

func probeOne(ctx context.Context, c Capturer, kind SourceKind, format Format) error {
	src, err := c.Open(ctx, kind, format)
	if err != nil {
		return err
	}
	startErr := src.Start(func([]int16) {})
	closeErr := closeSource(src)
	if startErr != nil {
		return startErr
	}
	return closeErr
}
