package discord

import (
	"log/slog"

	"github.com/foxseedlab/kaiwa/internal/config"
	discordpkg "github.com/foxseedlab/kaiwa/internal/discord"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (discordpkg.Notifier, error) {
		c := do.MustInvoke[*config.Config](i)
		if !c.DiscordConfigured() {
			slog.Info("discord notifier is not configured")
			return nil, nil
		}
		return NewNotifier(c.Output.DiscordToken, c.Output.DiscordChannelID)
	})
}
