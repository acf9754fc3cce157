package diarization

import (
	"testing"
	"time"
)

func TestRoster_ColorByCreationOrder(t *testing.T) {
	r := NewRoster([]string{"red", "green"})
	a, created := r.Resolve("7", "Speaker 8")
	if !created || a.Color != "red" {
		t.Fatalf("unexpected first speaker %+v", a)
	}
	b, _ := r.Resolve("3", "Speaker 4")
	c, _ := r.Resolve("9", "Speaker 10")
	if b.Color != "green" || c.Color != "red" {
		t.Fatalf("expected palette to cycle, got %s and %s", b.Color, c.Color)
	}
	again, created := r.Resolve("7", "ignored")
	if created || again != a {
		t.Fatalf("expected existing speaker, got %+v", again)
	}
	if n := len(r.Speakers()); n != 3 {
		t.Fatalf("expected 3 speakers, got %d", n)
	}
}

func TestIndexAssigner_RequiresIndex(t *testing.T) {
	a := NewIndexAssigner(NewRoster(nil))
	if _, ok := a.Assign(Hint{}); ok {
		t.Fatal("expected no assignment without an index")
	}
	if _, ok := a.Assign(Hint{Speaker: speakerIdx(-1)}); ok {
		t.Fatal("expected no assignment for a negative index")
	}
	sp, ok := a.Assign(Hint{Speaker: speakerIdx(0)})
	if !ok || sp.ID != "speaker-0" || sp.DisplayName != "Speaker 1" {
		t.Fatalf("unexpected speaker %+v", sp)
	}
}

func TestSilenceAssigner_FlipsAfterGap(t *testing.T) {
	a := NewSilenceAssigner(NewRoster(nil), 5*time.Second)
	base := time.Unix(0, 0)
	steps := []struct {
		at   time.Duration
		want string
	}{
		{0, "Speaker A"},
		{5 * time.Second, "Speaker A"},
		{11 * time.Second, "Speaker B"},
		{12 * time.Second, "Speaker B"},
		{20 * time.Second, "Speaker A"},
	}
	for _, s := range steps {
		sp, ok := a.Assign(Hint{At: base.Add(s.at)})
		if !ok || sp.DisplayName != s.want {
			t.Fatalf("at %s: expected %s, got %+v", s.at, s.want, sp)
		}
	}
	a.Reset()
	sp, _ := a.Assign(Hint{At: base.Add(time.Hour)})
	if sp.DisplayName != "Speaker A" {
		t.Fatalf("expected reset to start at A, got %s", sp.DisplayName)
	}
}

func TestFallbackAssigner_SharesRoster(t *testing.T) {
	a := NewDefaultAssigner(nil, time.Second)
	first, _ := a.Assign(Hint{Speaker: speakerIdx(4), At: time.Unix(0, 0)})
	second, _ := a.Assign(Hint{At: time.Unix(1, 0)})
	if first.Color == second.Color {
		t.Fatal("speakers from both strategies should get distinct colors")
	}
	if second.DisplayName != "Speaker A" {
		t.Fatalf("expected fallback speaker, got %+v", second)
	}
}

func TestResult_DominantSpeaker(t *testing.T) {
	if (Result{}).DominantSpeaker() != nil {
		t.Fatal("expected nil without speaker data")
	}
	r := Result{Words: []Word{
		{Speaker: speakerIdx(1)},
		{Speaker: speakerIdx(0)},
		{Speaker: speakerIdx(0)},
		{},
	}}
	if got := r.DominantSpeaker(); got == nil || *got != 0 {
		t.Fatalf("expected speaker 0, got %v", got)
	}
	tie := Result{Words: []Word{{Speaker: speakerIdx(3)}, {Speaker: speakerIdx(2)}}}
	if got := tie.DominantSpeaker(); *got != 3 {
		t.Fatalf("expected first seen on tie, got %d", *got)
	}
}
