package diarization

import (
	"fmt"
	"sync"
	"time"
)

const DefaultSpeakerSwitchSilence = 5 * time.Second

var DefaultPalette = []string{
	"#3B82F6",
	"#EF4444",
	"#10B981",
	"#F59E0B",
	"#8B5CF6",
	"#EC4899",
	"#14B8A6",
	"#F97316",
}

// Roster creates speakers lazily and colors them by creation order.
type Roster struct {
	mu      sync.Mutex
	palette []string
	byKey   map[string]Speaker
	order   []string
}

func NewRoster(palette []string) *Roster {
	if len(palette) == 0 {
		palette = DefaultPalette
	}
	return &Roster{palette: palette, byKey: make(map[string]Speaker)}
}

// Resolve returns the speaker registered under key, creating it on first
// sighting. The bool reports whether it was created by this call.
func (r *Roster) Resolve(key, displayName string) (Speaker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sp, ok := r.byKey[key]; ok {
		return sp, false
	}
	sp := Speaker{
		ID:          "speaker-" + key,
		DisplayName: displayName,
		Color:       r.palette[len(r.order)%len(r.palette)],
	}
	r.byKey[key] = sp
	r.order = append(r.order, key)
	return sp, true
}

func (r *Roster) Speakers() []Speaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Speaker, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.byKey[key])
	}
	return out
}

func (r *Roster) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKey = make(map[string]Speaker)
	r.order = nil
}

// Hint carries what is known about the speaker of one result.
type Hint struct {
	Speaker *int
	At      time.Time
}

// SpeakerAssigner maps results to speakers. Assign reports false when it
// cannot attribute the result.
type SpeakerAssigner interface {
	Assign(h Hint) (Speaker, bool)
	Reset()
}

// IndexAssigner trusts the provider's speaker index.
type IndexAssigner struct {
	roster *Roster
}

func NewIndexAssigner(roster *Roster) *IndexAssigner {
	return &IndexAssigner{roster: roster}
}

func (a *IndexAssigner) Assign(h Hint) (Speaker, bool) {
	if h.Speaker == nil || *h.Speaker < 0 {
		return Speaker{}, false
	}
	idx := *h.Speaker
	sp, _ := a.roster.Resolve(fmt.Sprintf("%d", idx), fmt.Sprintf("Speaker %d", idx+1))
	return sp, true
}

func (a *IndexAssigner) Reset() {
	a.roster.Reset()
}

// SilenceAssigner approximates two-party turn taking: the speaker flips
// whenever the gap since the previous result exceeds Gap. It is not real
// diarization.
type SilenceAssigner struct {
	roster *Roster
	gap    time.Duration

	mu      sync.Mutex
	last    time.Time
	current int
}

func NewSilenceAssigner(roster *Roster, gap time.Duration) *SilenceAssigner {
	if gap <= 0 {
		gap = DefaultSpeakerSwitchSilence
	}
	return &SilenceAssigner{roster: roster, gap: gap}
}

func (a *SilenceAssigner) Assign(h Hint) (Speaker, bool) {
	a.mu.Lock()
	if !a.last.IsZero() && h.At.Sub(a.last) > a.gap {
		a.current = 1 - a.current
	}
	a.last = h.At
	turn := a.current
	a.mu.Unlock()

	label := string(rune('A' + turn))
	sp, _ := a.roster.Resolve("turn-"+label, "Speaker "+label)
	return sp, true
}

func (a *SilenceAssigner) Reset() {
	a.mu.Lock()
	a.last = time.Time{}
	a.current = 0
	a.mu.Unlock()
	a.roster.Reset()
}

// FallbackAssigner asks Primary first and falls back to Secondary.
type FallbackAssigner struct {
	Primary   SpeakerAssigner
	Secondary SpeakerAssigner
}

// NewDefaultAssigner uses speaker indexes when present and the silence
// heuristic otherwise. Both share one roster so colors stay unique.
func NewDefaultAssigner(palette []string, gap time.Duration) *FallbackAssigner {
	roster := NewRoster(palette)
	return &FallbackAssigner{
		Primary:   NewIndexAssigner(roster),
		Secondary: NewSilenceAssigner(roster, gap),
	}
}

func (a *FallbackAssigner) Assign(h Hint) (Speaker, bool) {
	if sp, ok := a.Primary.Assign(h); ok {
		return sp, true
	}
	if a.Secondary == nil {
		return Speaker{}, false
	}
	return a.Secondary.Assign(h)
}

func (a *FallbackAssigner) Reset() {
	a.Primary.Reset()
	if a.Secondary != nil {
		a.Secondary.Reset()
	}
}
