package phrase

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/foxseedlab/kaiwa/internal/apperr"
	"github.com/foxseedlab/kaiwa/internal/metrics"
)

const (
	DefaultMinLength    = 12
	DefaultPauseTimeout = 1500 * time.Millisecond
	DefaultLanguage     = "en"

	historySize = 32

	CausePause = "pause"
	CauseFlush = "flush"
)

type Config struct {
	// MinLength is measured in characters.
	MinLength    int
	PauseTimeout time.Duration
	Language     string
	// Rules overrides the language's default rule set when non-empty.
	Rules []Rule
}

func DefaultConfig() Config {
	return Config{
		MinLength:    DefaultMinLength,
		PauseTimeout: DefaultPauseTimeout,
		Language:     DefaultLanguage,
	}
}

func (c Config) Validate() error {
	if c.MinLength < 0 {
		return fmt.Errorf("min length must not be negative, got %d", c.MinLength)
	}
	if c.PauseTimeout <= 0 {
		return fmt.Errorf("pause timeout must be positive, got %s", c.PauseTimeout)
	}
	for _, r := range c.Rules {
		if r.Pattern == nil {
			return fmt.Errorf("rule %q has no pattern", r.Name)
		}
	}
	return nil
}

type Phrase struct {
	Text       string
	Confidence float64
	// Final is false when the phrase was cut from provisional text that a
	// later revision may still change.
	Final bool
	// Cause is the action that ended the phrase, CausePause or CauseFlush.
	Cause string
	Rule  string
	At    time.Time
}

// Segmenter cuts a running transcript into phrases. Final text is committed
// to the buffer; provisional text is kept as a tail that every revision
// replaces.
type Segmenter struct {
	cfg     Config
	rules   []Rule
	joiner  string
	metrics *metrics.Metrics

	mu          sync.Mutex
	committed   string
	provisional string
	lastInput   time.Time
	confidence  float64
	history     []string
	now         func() time.Time
}

func NewSegmenter(cfg Config, m *metrics.Metrics) (*Segmenter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, apperr.New(apperr.KindConfiguration, "new segmenter", err)
	}
	rules := cfg.Rules
	if len(rules) == 0 {
		rules = DefaultRules(cfg.Language)
	}
	return &Segmenter{
		cfg:     cfg,
		rules:   rules,
		joiner:  joinerFor(cfg.Language),
		metrics: m,
		now:     time.Now,
	}, nil
}

// ProcessTranscription feeds one recognition result and returns the phrases
// it completed.
func (s *Segmenter) ProcessTranscription(text string, isFinal bool, confidence float64) []Phrase {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Phrase
	if !s.lastInput.IsZero() && now.Sub(s.lastInput) >= s.cfg.PauseTimeout {
		out = append(out, s.splitOnPause(confidence, now)...)
	}
	s.lastInput = now
	s.confidence = confidence

	text = strings.TrimSpace(text)
	if isFinal {
		s.committed = s.join(s.committed, text)
		s.provisional = ""
	} else {
		s.provisional = text
	}
	return append(out, s.segment(confidence, now)...)
}

// Flush emits whatever is buffered, ignoring the minimum length.
func (s *Segmenter) Flush() []Phrase {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	rest := strings.TrimSpace(s.join(s.committed, s.provisional))
	s.committed, s.provisional = "", ""
	if rest == "" {
		return nil
	}
	if p, ok := s.emit(rest, s.confidence, true, CauseFlush, "", now); ok {
		return []Phrase{p}
	}
	return nil
}

func (s *Segmenter) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed = ""
	s.provisional = ""
	s.lastInput = time.Time{}
	s.confidence = 0
	s.history = nil
}

// Buffered returns the text not yet emitted.
func (s *Segmenter) Buffered() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.join(s.committed, s.provisional)
}

// splitOnPause treats the whole buffer as one phrase after a long pause. A
// provisional tail left by a silent upstream is promoted to committed text.
// Fragments below the minimum stay buffered.
func (s *Segmenter) splitOnPause(confidence float64, now time.Time) []Phrase {
	whole := strings.TrimSpace(s.join(s.committed, s.provisional))
	s.provisional = ""
	if whole == "" || runeLen(whole) < s.cfg.MinLength {
		s.committed = whole
		return nil
	}
	s.committed = ""
	if p, ok := s.emit(whole, confidence, true, CausePause, "", now); ok {
		return []Phrase{p}
	}
	return nil
}

func (s *Segmenter) segment(confidence float64, now time.Time) []Phrase {
	work := s.join(s.committed, s.provisional)
	committedLen := len(s.committed)

	var out []Phrase
	pos, consumed := 0, 0
	for pos < len(work) {
		cut, next, rule, ok := s.findBreak(work[pos:])
		if !ok {
			break
		}
		end := pos + cut
		body := strings.TrimRightFunc(work[pos:end], unicode.IsSpace)
		final := pos+len(body) <= committedLen
		frag := strings.TrimSpace(body)
		if p, ok := s.emit(frag, confidence, final, rule.Action.String(), rule.Name, now); ok {
			out = append(out, p)
		}
		pos += next
		if final {
			consumed = min(pos, committedLen)
		}
	}
	if consumed > 0 {
		s.committed = strings.TrimLeftFunc(s.committed[consumed:], unicode.IsSpace)
	}
	return out
}

type candidate struct {
	start, end int
	rule       Rule
}

// findBreak picks the highest-weight boundary in text, leftmost on ties. It
// returns where the phrase ends and where the remainder begins.
func (s *Segmenter) findBreak(text string) (cut, next int, rule Rule, ok bool) {
	var (
		holds []candidate
		cands []candidate
	)
	for _, r := range s.rules {
		for _, loc := range r.Pattern.FindAllStringIndex(text, -1) {
			c := candidate{start: loc[0], end: loc[1], rule: r}
			if r.Action == ActionContinue {
				holds = append(holds, c)
			} else {
				cands = append(cands, c)
			}
		}
	}

	best := -1
	for i, c := range cands {
		if overlapsAny(c, holds) {
			continue
		}
		split := c.end
		if c.rule.SplitBefore {
			split = c.start
		}
		minLen := s.cfg.MinLength
		if c.rule.Action == ActionSoftBreak {
			minLen *= 2
		}
		frag := strings.TrimSpace(text[:split])
		if frag == "" || runeLen(frag) < minLen {
			continue
		}
		if best < 0 || c.rule.Weight > cands[best].rule.Weight ||
			(c.rule.Weight == cands[best].rule.Weight && c.start < cands[best].start) {
			best = i
		}
	}
	if best < 0 {
		return 0, 0, Rule{}, false
	}
	c := cands[best]
	if c.rule.SplitBefore {
		return c.start, c.start, c.rule, true
	}
	return c.end, c.end, c.rule, true
}

func overlapsAny(c candidate, holds []candidate) bool {
	for _, h := range holds {
		if c.start < h.end && h.start < c.end {
			return true
		}
	}
	return false
}

// emit records p in the dedupe history and reports whether it is new.
func (s *Segmenter) emit(text string, confidence float64, final bool, cause, rule string, now time.Time) (Phrase, bool) {
	key := strings.ToLower(strings.TrimSpace(text))
	if key == "" {
		return Phrase{}, false
	}
	for _, h := range s.history {
		if h == key {
			slog.Debug("suppressing duplicate phrase", "rule", rule)
			return Phrase{}, false
		}
	}
	s.history = append(s.history, key)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.metrics.RecordPhrase(cause)
	return Phrase{
		Text:       text,
		Confidence: confidence,
		Final:      final,
		Cause:      cause,
		Rule:       rule,
		At:         now,
	}, true
}

func (s *Segmenter) join(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + s.joiner + b
	}
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
