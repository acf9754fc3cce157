package phrase

import "regexp"

type Action int

const (
	// ActionBreak ends a phrase at the match.
	ActionBreak Action = iota
	// ActionSoftBreak ends a phrase only when the fragment is at least twice
	// the minimum length.
	ActionSoftBreak
	// ActionContinue suppresses any break overlapping the match.
	ActionContinue
)

func (a Action) String() string {
	switch a {
	case ActionBreak:
		return "break"
	case ActionSoftBreak:
		return "soft_break"
	case ActionContinue:
		return "continue"
	default:
		return "unknown"
	}
}

// Rule is one boundary cue. Higher weights win when several rules match the
// same buffer.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
	Weight  int
	Action  Action
	// SplitBefore places the boundary at the start of the match instead of
	// its end. Used for cue words that open the next phrase.
	SplitBefore bool
}

func EnglishRules() []Rule {
	return []Rule{
		{Name: "abbreviation", Pattern: regexp.MustCompile(`(?i)\b(?:mr|mrs|ms|dr|prof|st|vs|etc|inc|ltd|jr|sr)\.`), Action: ActionContinue},
		{Name: "initialism", Pattern: regexp.MustCompile(`\b(?:[A-Za-z]\.){2,}`), Action: ActionContinue},
		{Name: "decimal", Pattern: regexp.MustCompile(`\d+[.,]\d+`), Action: ActionContinue},
		{Name: "sentence_end", Pattern: regexp.MustCompile(`[.!?]+["')\]]*(?:\s+|$)`), Weight: 100, Action: ActionBreak},
		{Name: "clause", Pattern: regexp.MustCompile(`[,;:]\s+`), Weight: 50, Action: ActionSoftBreak},
		{Name: "conjunction", Pattern: regexp.MustCompile(`(?i)\s(?:but|however|so|because|and then)\s`), Weight: 20, Action: ActionSoftBreak, SplitBefore: true},
	}
}

func JapaneseRules() []Rule {
	return []Rule{
		{Name: "sentence_end", Pattern: regexp.MustCompile(`[。！？!?]+[」』）)]*`), Weight: 100, Action: ActionBreak},
		{Name: "clause", Pattern: regexp.MustCompile(`[、，,]`), Weight: 50, Action: ActionSoftBreak},
		{Name: "conjunction", Pattern: regexp.MustCompile(`(?:けれども|けど|ので|しかし|でも|そして)`), Weight: 20, Action: ActionSoftBreak},
	}
}

// DefaultRules returns the rule set for language, falling back to English.
func DefaultRules(language string) []Rule {
	switch language {
	case "ja", "ja-JP":
		return JapaneseRules()
	default:
		return EnglishRules()
	}
}

func joinerFor(language string) string {
	switch language {
	case "ja", "ja-JP":
		return ""
	default:
		return " "
	}
}
