package discord

import "context"

// Notifier posts transcript lines to a chat channel.
type Notifier interface {
	Open(ctx context.Context) error
	Notify(ctx context.Context, content string) error
	Close() error
}
