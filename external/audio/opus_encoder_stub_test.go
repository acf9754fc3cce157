//go:build !opus

package audio

import (
	"context"
	"errors"
	"testing"

	"github.com/foxseedlab/kaiwa/internal/apperr"
	"github.com/foxseedlab/kaiwa/internal/audio"
)

type nopCapturer struct{}

func (nopCapturer) Open(context.Context, audio.SourceKind, audio.Format) (audio.Source, error) {
	return nil, errors.New("no capture in tests")
}

func TestOpusStub_ReportsNotSupported(t *testing.T) {
	enc := NewOpusEncoder()
	probe, ok := enc.(interface{ Available() error })
	if !ok {
		t.Fatal("expected stub to expose Available")
	}
	if err := probe.Available(); !apperr.IsKind(err, apperr.KindNotSupported) {
		t.Fatalf("expected not supported, got %v", err)
	}

	m := audio.NewMixer(audio.MixerConfig{Format: audio.DefaultFormat()}, nopCapturer{}, enc, nil)
	if err := m.Initialize(); !apperr.IsKind(err, apperr.KindNotSupported) {
		t.Fatalf("expected mixer initialize to fail with not supported, got %v", err)
	}
}
