package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/foxseedlab/kaiwa/internal/diarization"
	"github.com/foxseedlab/kaiwa/internal/webhook"
)

// Kept explicit instead of time.DateTime so the layout is easy to change.
const transcriptTimeLayout = "2006-01-02 15:04:05"

// Line is one finalized message rendered for people.
type Line struct {
	MessageID   string
	SpeakerID   string
	SpeakerName string
	Text        string
	SpokenAt    time.Time
	Rendered    string
}

func buildLine(startedAt time.Time, msg diarization.Message, speakerName string) Line {
	elapsed := msg.Timestamp.Sub(startedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	return Line{
		MessageID:   msg.ID,
		SpeakerID:   msg.SpeakerID,
		SpeakerName: speakerName,
		Text:        msg.Content,
		SpokenAt:    msg.Timestamp,
		Rendered:    fmt.Sprintf("[%s] %s: %s", formatElapsedHMS(elapsed), speakerName, msg.Content),
	}
}

func buildTranscriptText(sessionID string, startedAt, endedAt time.Time, timezone string, loc *time.Location, lines []Line) []byte {
	var speakers []string
	seen := make(map[string]struct{})
	for _, l := range lines {
		if _, ok := seen[l.SpeakerName]; ok {
			continue
		}
		seen[l.SpeakerName] = struct{}{}
		speakers = append(speakers, l.SpeakerName)
	}

	startText := startedAt.In(safeLocation(loc)).Format(transcriptTimeLayout)
	endText := endedAt.In(safeLocation(loc)).Format(transcriptTimeLayout)

	out := []string{
		fmt.Sprintf("Session: %s", sessionID),
		fmt.Sprintf("Period: %s ~ %s (%s)", startText, endText, timezone),
		fmt.Sprintf("Speakers: %s", strings.Join(speakers, ", ")),
		"",
	}
	for _, l := range lines {
		out = append(out, l.Rendered)
	}
	return []byte(strings.Join(out, "\n"))
}

func buildMessagePayload(sessionID string, line Line, msg diarization.Message, timezone string, loc *time.Location) webhook.MessagePayload {
	end := msg.UpdatedAt
	if end.Before(msg.Timestamp) {
		end = msg.Timestamp
	}
	return webhook.MessagePayload{
		SchemaVersion: webhook.MessageWebhookSchemaVersion,
		SessionID:     sessionID,
		MessageID:     msg.ID,
		SpeakerID:     msg.SpeakerID,
		SpeakerName:   line.SpeakerName,
		Content:       msg.Content,
		Line:          line.Rendered,
		StartAt:       msg.Timestamp.In(safeLocation(loc)).Format(time.RFC3339),
		EndAt:         end.In(safeLocation(loc)).Format(time.RFC3339),
		Timezone:      timezone,
		SegmentCount:  len(msg.Segments),
	}
}

func formatElapsedHMS(d time.Duration) string {
	total := int64(d / time.Second)
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func safeLocation(loc *time.Location) *time.Location {
	if loc == nil {
		return time.UTC
	}
	return loc
}
