//go:build !opus

package audio

import (
	"errors"

	"github.com/foxseedlab/kaiwa/internal/apperr"
	"github.com/foxseedlab/kaiwa/internal/audio"
)

const MimeTypeOpus = "audio/opus"

var errOpusNotBuilt = errors.New("built without the opus tag")

type noopOpusEncoder struct{}

func NewOpusEncoder() audio.ChunkEncoder {
	return noopOpusEncoder{}
}

func (noopOpusEncoder) MimeType() string {
	return MimeTypeOpus
}

func (noopOpusEncoder) Available() error {
	return apperr.New(apperr.KindNotSupported, "opus encoder", errOpusNotBuilt)
}

func (noopOpusEncoder) Encode([]int16, audio.Format) ([]byte, error) {
	return nil, apperr.New(apperr.KindNotSupported, "opus encoder", errOpusNotBuilt)
}
