package config

import (
	"fmt"
	"time"
)

const (
	ProviderDeepgram = "deepgram"
	ProviderGoogle   = "google"

	ChunkEncodingWAV  = "wav"
	ChunkEncodingOpus = "opus"
)

type Config struct {
	Env            string
	MetricsAddress string
	Audio          AudioConfig
	VAD            VADConfig
	Batch          BatchConfig
	Streaming      StreamingConfig
	Phrase         PhraseConfig
	Output         OutputConfig
}

type AudioConfig struct {
	SampleRate         int
	Channels           int
	FrameDuration      time.Duration
	ChunkInterval      time.Duration
	ChunkEncoding      string
	CaptureSystemAudio bool
	// MicrophoneSource and SystemAudioSink name capture devices; empty means
	// the server default.
	MicrophoneSource string
	SystemAudioSink  string
	MicrophoneGain   float64
	SystemAudioGain  float64
}

type VADConfig struct {
	VolumeThreshold      float64
	QuickSilenceDuration time.Duration
	MaxBatchDuration     time.Duration
	TickInterval         time.Duration
}

type BatchConfig struct {
	Enabled         bool
	Endpoint        string
	APIKey          string
	Model           string
	Language        string
	QualityInterval time.Duration
	Timeout         time.Duration
	MaxRetries      int
	MaxConcurrent   int
}

type StreamingConfig struct {
	Provider             string
	Endpoint             string
	APIKey               string
	Model                string
	Language             string
	Encoding             string
	Diarize              bool
	InterimResults       bool
	Punctuate            bool
	SmartFormat          bool
	KeepAliveInterval    time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	SpeakerSwitchSilence time.Duration
	MessageTimeout       time.Duration
	AppendFinals         bool

	GoogleProjectID       string
	GoogleCredentialsJSON string
	GoogleLocation        string
}

type PhraseConfig struct {
	MinLength    int
	PauseTimeout time.Duration
	Language     string
}

type OutputConfig struct {
	WebhookURL         string
	DiscordToken       string
	DiscordChannelID   string
	TranscriptTimezone string
}

func (c *Config) Validate() error {
	for _, req := range c.requiredFieldChecks() {
		if req.value == "" {
			return fmt.Errorf("%s is required", req.name)
		}
	}
	if c.Audio.SampleRate <= 0 {
		return fmt.Errorf("AUDIO_SAMPLE_RATE must be positive, got %d", c.Audio.SampleRate)
	}
	if c.Audio.Channels != 1 {
		return fmt.Errorf("AUDIO_CHANNELS must be 1, got %d", c.Audio.Channels)
	}
	if c.Audio.FrameDuration <= 0 || c.Audio.ChunkInterval < c.Audio.FrameDuration {
		return fmt.Errorf("AUDIO_CHUNK_INTERVAL %s must be at least AUDIO_FRAME_DURATION %s", c.Audio.ChunkInterval, c.Audio.FrameDuration)
	}
	if c.Audio.ChunkEncoding != ChunkEncodingWAV && c.Audio.ChunkEncoding != ChunkEncodingOpus {
		return fmt.Errorf("AUDIO_CHUNK_ENCODING must be %q or %q, got %q", ChunkEncodingWAV, ChunkEncodingOpus, c.Audio.ChunkEncoding)
	}
	if c.VAD.VolumeThreshold <= 0 || c.VAD.VolumeThreshold >= 1 {
		return fmt.Errorf("VAD_VOLUME_THRESHOLD must be between 0 and 1, got %v", c.VAD.VolumeThreshold)
	}
	if c.VAD.MaxBatchDuration <= c.VAD.QuickSilenceDuration {
		return fmt.Errorf("VAD_MAX_BATCH_DURATION must exceed VAD_QUICK_SILENCE_DURATION")
	}
	if c.Batch.QualityInterval <= 0 || c.Batch.Timeout <= 0 {
		return fmt.Errorf("BATCH_QUALITY_INTERVAL and BATCH_TIMEOUT must be positive")
	}
	if c.Batch.MaxRetries < 0 || c.Batch.MaxConcurrent <= 0 {
		return fmt.Errorf("BATCH_MAX_RETRIES must not be negative and BATCH_MAX_CONCURRENT must be positive")
	}
	if c.Streaming.Provider != ProviderDeepgram && c.Streaming.Provider != ProviderGoogle {
		return fmt.Errorf("STREAMING_PROVIDER must be %q or %q, got %q", ProviderDeepgram, ProviderGoogle, c.Streaming.Provider)
	}
	if c.Streaming.KeepAliveInterval <= 0 || c.Streaming.ReconnectDelay <= 0 || c.Streaming.MessageTimeout <= 0 {
		return fmt.Errorf("STREAMING_KEEPALIVE_INTERVAL, STREAMING_RECONNECT_DELAY and STREAMING_MESSAGE_TIMEOUT must be positive")
	}
	if c.Streaming.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("STREAMING_MAX_RECONNECT_ATTEMPTS must be positive, got %d", c.Streaming.MaxReconnectAttempts)
	}
	if c.Phrase.MinLength < 0 || c.Phrase.PauseTimeout <= 0 {
		return fmt.Errorf("PHRASE_MIN_LENGTH must not be negative and PHRASE_PAUSE_TIMEOUT must be positive")
	}
	if c.Output.DiscordToken != "" && c.Output.DiscordChannelID == "" {
		return fmt.Errorf("DISCORD_CHANNEL_ID is required when DISCORD_TOKEN is set")
	}
	if _, err := time.LoadLocation(c.Output.TranscriptTimezone); err != nil {
		return fmt.Errorf("TRANSCRIPT_TIMEZONE is invalid: %w", err)
	}
	return nil
}

type requiredEnvField struct {
	name  string
	value string
}

// Credentials are deliberately absent: a missing key leaves the matching
// client unconfigured instead of failing startup.
func (c *Config) requiredFieldChecks() []requiredEnvField {
	return []requiredEnvField{
		{name: "AUDIO_CHUNK_ENCODING", value: c.Audio.ChunkEncoding},
		{name: "BATCH_ENDPOINT", value: c.Batch.Endpoint},
		{name: "BATCH_MODEL", value: c.Batch.Model},
		{name: "BATCH_LANGUAGE", value: c.Batch.Language},
		{name: "STREAMING_PROVIDER", value: c.Streaming.Provider},
		{name: "STREAMING_MODEL", value: c.Streaming.Model},
		{name: "STREAMING_LANGUAGE", value: c.Streaming.Language},
		{name: "STREAMING_ENCODING", value: c.Streaming.Encoding},
		{name: "TRANSCRIPT_TIMEZONE", value: c.Output.TranscriptTimezone},
	}
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// StreamingConfigured reports whether the selected streaming provider has
// credentials.
func (c *Config) StreamingConfigured() bool {
	switch c.Streaming.Provider {
	case ProviderGoogle:
		return c.Streaming.GoogleProjectID != "" && c.Streaming.GoogleCredentialsJSON != ""
	default:
		return c.Streaming.APIKey != "" && c.Streaming.Endpoint != ""
	}
}

func (c *Config) BatchConfigured() bool {
	return c.Batch.Enabled && c.Batch.APIKey != ""
}

func (c *Config) DiscordConfigured() bool {
	return c.Output.DiscordToken != "" && c.Output.DiscordChannelID != ""
}
