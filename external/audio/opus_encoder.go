//go:build opus

package audio

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/foxseedlab/kaiwa/internal/apperr"
	"github.com/foxseedlab/kaiwa/internal/audio"
	"github.com/hraban/opus"
)

const (
	MimeTypeOpus  = "audio/opus"
	frameSizeMs   = 20
	maxPacketSize = 4000
)

// OpusEncoder packs each chunk as a run of 20ms Opus packets, every packet
// prefixed with its big-endian uint16 length.
type OpusEncoder struct {
	mu      sync.Mutex
	encoder *opus.Encoder
	format  audio.Format
}

func NewOpusEncoder() audio.ChunkEncoder {
	return &OpusEncoder{}
}

func (e *OpusEncoder) MimeType() string {
	return MimeTypeOpus
}

func (e *OpusEncoder) Available() error {
	return nil
}

func (e *OpusEncoder) Encode(samples []int16, format audio.Format) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	enc, err := e.encoderFor(format)
	if err != nil {
		return nil, err
	}

	samplesPerFrame := format.SampleRate * frameSizeMs / 1000 * format.Channels
	out := make([]byte, 0, len(samples))
	packet := make([]byte, maxPacketSize)
	frame := make([]int16, samplesPerFrame)
	for off := 0; off < len(samples); off += samplesPerFrame {
		end := off + samplesPerFrame
		if end > len(samples) {
			// Pad the final partial frame with silence.
			clear(frame)
			copy(frame, samples[off:])
		} else {
			copy(frame, samples[off:end])
		}
		n, err := enc.Encode(frame, packet)
		if err != nil {
			return nil, apperr.New(apperr.KindProtocol, "encode opus frame", err)
		}
		out = binary.BigEndian.AppendUint16(out, uint16(n))
		out = append(out, packet[:n]...)
	}
	return out, nil
}

func (e *OpusEncoder) encoderFor(format audio.Format) (*opus.Encoder, error) {
	if e.encoder != nil && e.format == format {
		return e.encoder, nil
	}
	enc, err := opus.NewEncoder(format.SampleRate, format.Channels, opus.AppVoIP)
	if err != nil {
		return nil, apperr.New(apperr.KindNotSupported, "new opus encoder", fmt.Errorf("%d Hz x %d: %w", format.SampleRate, format.Channels, err))
	}
	e.encoder = enc
	e.format = format
	return enc, nil
}
