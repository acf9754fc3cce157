package session

import (
	"github.com/foxseedlab/kaiwa/internal/audio"
	"github.com/foxseedlab/kaiwa/internal/config"
	"github.com/foxseedlab/kaiwa/internal/diarization"
	"github.com/foxseedlab/kaiwa/internal/discord"
	"github.com/foxseedlab/kaiwa/internal/metrics"
	"github.com/foxseedlab/kaiwa/internal/transcriber"
	"github.com/foxseedlab/kaiwa/internal/webhook"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Manager, error) {
		cfg := do.MustInvoke[*config.Config](i)
		capturer := do.MustInvoke[audio.Capturer](i)
		encoder := do.MustInvoke[audio.ChunkEncoder](i)
		batch := do.MustInvoke[transcriber.BatchTranscriber](i)
		transport := do.MustInvoke[diarization.Transport](i)
		wh := do.MustInvoke[webhook.Sender](i)
		notifier := do.MustInvoke[discord.Notifier](i)
		m := do.MustInvoke[*metrics.Metrics](i)
		return NewManager(cfg, capturer, encoder, batch, transport, wh, notifier, m)
	})
}
