package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

const MimeTypeWAV = "audio/wav"

type EncodedChunk struct {
	Data      []byte
	MimeType  string
	Timestamp time.Time
	Duration  time.Duration
}

type ChunkEncoder interface {
	Encode(samples []int16, format Format) ([]byte, error)
	MimeType() string
}

type wavHeader struct {
	ChunkID       [4]byte
	ChunkSize     uint32
	Format        [4]byte
	Subchunk1ID   [4]byte
	Subchunk1Size uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte
	Subchunk2Size uint32
}

// WAVEncoder wraps PCM16 samples in a RIFF container.
type WAVEncoder struct{}

func NewWAVEncoder() ChunkEncoder {
	return WAVEncoder{}
}

func (WAVEncoder) MimeType() string {
	return MimeTypeWAV
}

func (WAVEncoder) Encode(samples []int16, format Format) ([]byte, error) {
	return EncodeWAV(samples, format)
}

func EncodeWAV(samples []int16, format Format) ([]byte, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot encode empty audio samples")
	}
	if format.SampleRate <= 0 || format.Channels <= 0 {
		return nil, fmt.Errorf("invalid pcm format: %d Hz, %d channels", format.SampleRate, format.Channels)
	}

	const bitsPerSample = 16
	channels := uint16(format.Channels)
	dataSize := uint32(len(samples) * 2)
	header := wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   channels,
		SampleRate:    uint32(format.SampleRate),
		ByteRate:      uint32(format.SampleRate) * uint32(channels) * bitsPerSample / 8,
		BlockAlign:    channels * bitsPerSample / 8,
		BitsPerSample: bitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, 44+len(samples)*2))
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("write wav header: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, samples); err != nil {
		return nil, fmt.Errorf("write wav samples: %w", err)
	}
	return buf.Bytes(), nil
}
