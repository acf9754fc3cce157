package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/foxseedlab/kaiwa/internal/apperr"
)

// maxMessageRunes is the chat message length limit.
const maxMessageRunes = 2000

// Notifier posts transcript lines to one text channel over the REST API.
type Notifier struct {
	session   *discordgo.Session
	channelID string

	mu        sync.Mutex
	botUserID string
}

func NewNotifier(token, channelID string) (*Notifier, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, apperr.New(apperr.KindConfiguration, "create discord session", err)
	}
	return &Notifier{session: s, channelID: channelID}, nil
}

// Open verifies the token by resolving the bot user.
func (n *Notifier) Open(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.botUserID != "" {
		return nil
	}
	u, err := n.session.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		return classifyRESTError("resolve bot user", err)
	}
	n.botUserID = u.ID
	slog.Info("discord notifier ready", "bot_user_id", u.ID, "channel_id", n.channelID)
	return nil
}

func (n *Notifier) Notify(ctx context.Context, content string) error {
	for _, part := range splitMessage(content, maxMessageRunes) {
		if _, err := n.session.ChannelMessageSend(n.channelID, part, discordgo.WithContext(ctx)); err != nil {
			return classifyRESTError("send channel message", err)
		}
	}
	return nil
}

func (n *Notifier) Close() error {
	return n.session.Close()
}

// splitMessage cuts content into parts of at most limit runes.
func splitMessage(content string, limit int) []string {
	runes := []rune(content)
	if len(runes) == 0 {
		return nil
	}
	var parts []string
	for len(runes) > limit {
		cut, skip := limit, 0
		// Prefer a line or word boundary in the second half of the window.
		for i := limit - 1; i > limit/2; i-- {
			if runes[i] == '\n' || runes[i] == ' ' {
				cut, skip = i, 1
				break
			}
		}
		parts = append(parts, string(runes[:cut]))
		runes = runes[cut+skip:]
	}
	return append(parts, string(runes))
}

func classifyRESTError(op string, err error) error {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) || restErr.Response == nil {
		return apperr.New(apperr.KindTransport, op, err)
	}
	switch code := restErr.Response.StatusCode; {
	case code == http.StatusUnauthorized || code == http.StatusForbidden || code == http.StatusNotFound:
		return apperr.New(apperr.KindConfiguration, op, fmt.Errorf("discord returned status %d: %w", code, err))
	case code == http.StatusTooManyRequests || code >= 500:
		return apperr.New(apperr.KindTransport, op, err)
	default:
		return apperr.New(apperr.KindProtocol, op, err)
	}
}
