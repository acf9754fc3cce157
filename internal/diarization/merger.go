package diarization

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const DefaultMessageTimeout = 3000 * time.Millisecond

// MessageMerger folds segments into per-speaker messages. A message closes
// when another speaker talks or when no segment arrived for longer than the
// timeout. At most one message per speaker is active.
type MessageMerger struct {
	timeout time.Duration
	// appendFinals joins finalized segments instead of taking the latest
	// segment text as the whole content.
	appendFinals bool
	newID        func() string

	active      map[string]*Message
	closed      []Message
	lastSpeaker string
}

func NewMessageMerger(timeout time.Duration, appendFinals bool) *MessageMerger {
	if timeout <= 0 {
		timeout = DefaultMessageTimeout
	}
	return &MessageMerger{
		timeout:      timeout,
		appendFinals: appendFinals,
		newID:        uuid.NewString,
		active:       make(map[string]*Message),
	}
}

// Add folds seg into its speaker's active message, opening one if needed. It
// returns the updated message and the messages closed by this segment.
func (m *MessageMerger) Add(seg Segment) (Message, []Message) {
	closed := m.Expire(seg.Timestamp)
	if m.lastSpeaker != "" && m.lastSpeaker != seg.SpeakerID {
		if msg := m.closeSpeaker(m.lastSpeaker); msg != nil {
			closed = append(closed, *msg)
		}
	}

	msg, ok := m.active[seg.SpeakerID]
	if !ok {
		msg = &Message{
			ID:        m.newID(),
			SpeakerID: seg.SpeakerID,
			Timestamp: seg.Timestamp,
			IsActive:  true,
		}
		m.active[seg.SpeakerID] = msg
	}
	replaced := false
	for i := range msg.Segments {
		if msg.Segments[i].ID == seg.ID {
			msg.Segments[i] = seg
			replaced = true
			break
		}
	}
	if !replaced {
		msg.Segments = append(msg.Segments, seg)
	}
	msg.Content = m.content(msg, seg)
	msg.UpdatedAt = seg.Timestamp
	m.lastSpeaker = seg.SpeakerID
	return copyMessage(*msg), closed
}

func (m *MessageMerger) content(msg *Message, latest Segment) string {
	if !m.appendFinals {
		return latest.Text
	}
	parts := make([]string, 0, len(msg.Segments))
	for _, s := range msg.Segments {
		parts = append(parts, s.Text)
	}
	return strings.Join(parts, " ")
}

// Expire closes every active message idle for longer than the timeout at now.
func (m *MessageMerger) Expire(now time.Time) []Message {
	var closed []Message
	for _, speakerID := range m.activeSpeakers() {
		if now.Sub(m.active[speakerID].UpdatedAt) <= m.timeout {
			continue
		}
		if msg := m.closeSpeaker(speakerID); msg != nil {
			closed = append(closed, *msg)
		}
	}
	return closed
}

// CloseAll closes every active message.
func (m *MessageMerger) CloseAll() []Message {
	var closed []Message
	for _, speakerID := range m.activeSpeakers() {
		if msg := m.closeSpeaker(speakerID); msg != nil {
			closed = append(closed, *msg)
		}
	}
	m.lastSpeaker = ""
	return closed
}

// Reset drops all history.
func (m *MessageMerger) Reset() {
	m.active = make(map[string]*Message)
	m.closed = nil
	m.lastSpeaker = ""
}

// Messages returns closed and active messages ordered by start time.
func (m *MessageMerger) Messages() []Message {
	out := make([]Message, 0, len(m.closed)+len(m.active))
	for _, msg := range m.closed {
		out = append(out, copyMessage(msg))
	}
	for _, msg := range m.active {
		out = append(out, copyMessage(*msg))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

func (m *MessageMerger) ActiveCount() int {
	return len(m.active)
}

func (m *MessageMerger) closeSpeaker(speakerID string) *Message {
	msg, ok := m.active[speakerID]
	if !ok {
		return nil
	}
	delete(m.active, speakerID)
	msg.IsActive = false
	out := copyMessage(*msg)
	m.closed = append(m.closed, out)
	if m.lastSpeaker == speakerID {
		m.lastSpeaker = ""
	}
	return &out
}

func (m *MessageMerger) activeSpeakers() []string {
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return m.active[ids[i]].Timestamp.Before(m.active[ids[j]].Timestamp)
	})
	return ids
}

func copyMessage(msg Message) Message {
	segs := make([]Segment, len(msg.Segments))
	copy(segs, msg.Segments)
	msg.Segments = segs
	return msg
}
