package transcriber

import (
	"log/slog"

	"github.com/foxseedlab/kaiwa/internal/config"
	"github.com/foxseedlab/kaiwa/internal/transcriber"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (transcriber.BatchTranscriber, error) {
		c := do.MustInvoke[*config.Config](i)
		if !c.BatchConfigured() {
			slog.Warn("batch transcription is not configured; dual tier scheduler disabled")
			return nil, nil
		}
		return NewHTTPBatchTranscriber(HTTPBatchConfig{
			Endpoint:      c.Batch.Endpoint,
			APIKey:        c.Batch.APIKey,
			Model:         c.Batch.Model,
			Language:      c.Batch.Language,
			Timeout:       c.Batch.Timeout,
			MaxRetries:    c.Batch.MaxRetries,
			MaxConcurrent: c.Batch.MaxConcurrent,
		}), nil
	})
}
