package streaming

import (
	"log/slog"

	"github.com/foxseedlab/kaiwa/internal/config"
	"github.com/foxseedlab/kaiwa/internal/diarization"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (diarization.Transport, error) {
		c := do.MustInvoke[*config.Config](i)
		if !c.StreamingConfigured() {
			slog.Warn("streaming provider is not configured; diarization disabled", "provider", c.Streaming.Provider)
			return nil, nil
		}
		switch c.Streaming.Provider {
		case config.ProviderGoogle:
			return NewGoogleTransport(GoogleConfig{
				ProjectID:       c.Streaming.GoogleProjectID,
				CredentialsJSON: c.Streaming.GoogleCredentialsJSON,
				Location:        c.Streaming.GoogleLocation,
			}), nil
		default:
			return NewWebSocketTransport(c.Streaming.Endpoint, c.Streaming.APIKey), nil
		}
	})
}
