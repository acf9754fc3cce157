package session

import (
	"strings"
	"testing"
	"time"

	"github.com/foxseedlab/kaiwa/internal/diarization"
	"github.com/foxseedlab/kaiwa/internal/webhook"
)

func TestBuildLine(t *testing.T) {
	startedAt := time.Date(2026, 2, 28, 12, 0, 0, 0, time.UTC)
	line := buildLine(startedAt, diarization.Message{
		ID:        "m-1",
		SpeakerID: "speaker-0",
		Content:   "good morning",
		Timestamp: startedAt.Add(75 * time.Second),
	}, "Speaker 1")

	if line.Rendered != "[00:01:15] Speaker 1: good morning" {
		t.Fatalf("unexpected line: %q", line.Rendered)
	}

	early := buildLine(startedAt, diarization.Message{Content: "x", Timestamp: startedAt.Add(-time.Second)}, "Speaker 2")
	if !strings.HasPrefix(early.Rendered, "[00:00:00]") {
		t.Fatalf("expected negative offsets clamped, got %q", early.Rendered)
	}
}

func TestBuildTranscriptText(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Fatalf("failed to load location: %v", err)
	}
	startedAt := time.Date(2026, 2, 28, 12, 0, 0, 0, time.UTC)
	endedAt := startedAt.Add(2 * time.Minute)
	lines := []Line{
		{SpeakerName: "Speaker 1", Rendered: "[00:00:15] Speaker 1: こんにちは"},
		{SpeakerName: "Speaker 2", Rendered: "[00:01:15] Speaker 2: よろしくお願いします"},
		{SpeakerName: "Speaker 1", Rendered: "[00:01:30] Speaker 1: はい"},
	}

	body := string(buildTranscriptText("s-1", startedAt, endedAt, "Asia/Tokyo", loc, lines))

	if !strings.Contains(body, "Period: 2026-02-28 21:00:00 ~ 2026-02-28 21:02:00 (Asia/Tokyo)") {
		t.Fatalf("period line not found in body: %s", body)
	}
	if !strings.Contains(body, "Speakers: Speaker 1, Speaker 2\n") {
		t.Fatalf("speakers line not found in body: %s", body)
	}
	if !strings.HasSuffix(body, "[00:01:30] Speaker 1: はい") {
		t.Fatalf("last line not found in body: %s", body)
	}
}

func TestBuildMessagePayload(t *testing.T) {
	startedAt := time.Date(2026, 2, 28, 12, 0, 0, 0, time.UTC)
	msg := diarization.Message{
		ID:        "m-1",
		SpeakerID: "speaker-1",
		Content:   "hello world",
		Timestamp: startedAt.Add(10 * time.Second),
		UpdatedAt: startedAt.Add(12 * time.Second),
		Segments:  []diarization.Segment{{ID: "a"}, {ID: "b"}},
	}
	line := buildLine(startedAt, msg, "Speaker 2")
	p := buildMessagePayload("s-1", line, msg, "UTC", nil)

	if p.SchemaVersion != webhook.MessageWebhookSchemaVersion {
		t.Fatalf("unexpected schema version %d", p.SchemaVersion)
	}
	if p.StartAt != "2026-02-28T12:00:10Z" || p.EndAt != "2026-02-28T12:00:12Z" {
		t.Fatalf("unexpected period %s ~ %s", p.StartAt, p.EndAt)
	}
	if p.SegmentCount != 2 || p.Line != "[00:00:10] Speaker 2: hello world" || p.SpeakerName != "Speaker 2" {
		t.Fatalf("unexpected payload %+v", p)
	}
}
