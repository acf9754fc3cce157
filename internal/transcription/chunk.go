package transcription

import (
	"sort"
	"sync"
	"time"
)

type Tier string

const (
	TierQuick   Tier = "quick"
	TierQuality Tier = "quality"
)

// Chunk is one transcribed batch. Only IsReplaced changes after creation.
type Chunk struct {
	ID         string
	Text       string
	Confidence float64
	Timestamp  time.Time
	Duration   time.Duration
	Tier       Tier
	IsReplaced bool
}

func (c Chunk) End() time.Time {
	return c.Timestamp.Add(c.Duration)
}

// Covers reports whether t falls in [Timestamp, Timestamp+Duration).
func (c Chunk) Covers(t time.Time) bool {
	return !t.Before(c.Timestamp) && t.Before(c.End())
}

// Transcript stores chunks from both tiers and reconciles them: a quality
// chunk supersedes every quick chunk whose timestamp it covers, regardless of
// arrival order.
type Transcript struct {
	mu     sync.Mutex
	chunks []Chunk
}

func NewTranscript() *Transcript {
	return &Transcript{}
}

// Add stores c and returns it as stored together with the quick chunks that
// became replaced by this call. Adding the same quality chunk again, by ID or
// by identical range, updates it in place.
func (t *Transcript) Add(c Chunk) (Chunk, []Chunk) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch c.Tier {
	case TierQuality:
		c.IsReplaced = false
		if i := t.findQualityLocked(c); i >= 0 {
			t.chunks[i] = c
		} else {
			t.chunks = append(t.chunks, c)
		}
		var replaced []Chunk
		for i := range t.chunks {
			q := &t.chunks[i]
			if q.Tier != TierQuick || q.IsReplaced || !c.Covers(q.Timestamp) {
				continue
			}
			q.IsReplaced = true
			replaced = append(replaced, *q)
		}
		return c, replaced
	default:
		for _, q := range t.chunks {
			if q.Tier == TierQuality && q.Covers(c.Timestamp) {
				c.IsReplaced = true
				break
			}
		}
		t.chunks = append(t.chunks, c)
		return c, nil
	}
}

func (t *Transcript) findQualityLocked(c Chunk) int {
	for i, existing := range t.chunks {
		if existing.Tier != TierQuality {
			continue
		}
		if existing.ID == c.ID || (existing.Timestamp.Equal(c.Timestamp) && existing.Duration == c.Duration) {
			return i
		}
	}
	return -1
}

// Active returns the chunks that are not replaced, ordered by timestamp.
func (t *Transcript) Active() []Chunk {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Chunk, 0, len(t.chunks))
	for _, c := range t.chunks {
		if !c.IsReplaced {
			out = append(out, c)
		}
	}
	sortByTimestamp(out)
	return out
}

// All returns every stored chunk, replaced ones included, ordered by timestamp.
func (t *Transcript) All() []Chunk {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Chunk, len(t.chunks))
	copy(out, t.chunks)
	sortByTimestamp(out)
	return out
}

func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.chunks)
}

func sortByTimestamp(chunks []Chunk) {
	sort.SliceStable(chunks, func(i, j int) bool {
		return chunks[i].Timestamp.Before(chunks[j].Timestamp)
	})
}
