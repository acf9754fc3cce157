package webhook

import "context"

const MessageWebhookSchemaVersion = 1

// MessagePayload is posted once per finalized speaker message.
type MessagePayload struct {
	SchemaVersion int    `json:"schema_version"`
	SessionID     string `json:"session_id"`
	MessageID     string `json:"message_id"`
	SpeakerID     string `json:"speaker_id"`
	SpeakerName   string `json:"speaker_name"`
	Content       string `json:"content"`
	Line          string `json:"line"`
	StartAt       string `json:"start_at"`
	EndAt         string `json:"end_at"`
	Timezone      string `json:"timezone"`
	SegmentCount  int    `json:"segment_count"`
}

type Sender interface {
	Send(ctx context.Context, payload MessagePayload) error
}
