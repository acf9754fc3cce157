package audio

import (
	"github.com/foxseedlab/kaiwa/internal/audio"
	"github.com/foxseedlab/kaiwa/internal/config"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (audio.Capturer, error) {
		c := do.MustInvoke[*config.Config](i)
		return NewPulseCapturer(c.Audio.MicrophoneSource, c.Audio.SystemAudioSink), nil
	})
	do.Provide(injector, func(i do.Injector) (audio.ChunkEncoder, error) {
		c := do.MustInvoke[*config.Config](i)
		if c.Audio.ChunkEncoding == config.ChunkEncodingOpus {
			return NewOpusEncoder(), nil
		}
		return audio.NewWAVEncoder(), nil
	})
}
