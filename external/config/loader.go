package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	internalconfig "github.com/foxseedlab/kaiwa/internal/config"
	"gopkg.in/yaml.v3"
)

// fileConfig is read from the optional YAML file and then overridden by the
// environment. Defaults come from defaultFileConfig, not envDefault tags, so
// that the YAML layer is not clobbered.
type fileConfig struct {
	Env            string          `yaml:"env" env:"ENV"`
	MetricsAddress string          `yaml:"metrics_address" env:"METRICS_ADDRESS"`
	Audio          audioConfig     `yaml:"audio" envPrefix:"AUDIO_"`
	VAD            vadConfig       `yaml:"vad" envPrefix:"VAD_"`
	Batch          batchConfig     `yaml:"batch" envPrefix:"BATCH_"`
	Streaming      streamingConfig `yaml:"streaming" envPrefix:"STREAMING_"`
	Phrase         phraseConfig    `yaml:"phrase" envPrefix:"PHRASE_"`
	Output         outputConfig    `yaml:"output"`
}

type audioConfig struct {
	SampleRate         int           `yaml:"sample_rate" env:"SAMPLE_RATE"`
	Channels           int           `yaml:"channels" env:"CHANNELS"`
	FrameDuration      time.Duration `yaml:"frame_duration" env:"FRAME_DURATION"`
	ChunkInterval      time.Duration `yaml:"chunk_interval" env:"CHUNK_INTERVAL"`
	ChunkEncoding      string        `yaml:"chunk_encoding" env:"CHUNK_ENCODING"`
	CaptureSystemAudio bool          `yaml:"capture_system_audio" env:"CAPTURE_SYSTEM_AUDIO"`
	MicrophoneSource   string        `yaml:"microphone_source" env:"MICROPHONE_SOURCE"`
	SystemAudioSink    string        `yaml:"system_audio_sink" env:"SYSTEM_AUDIO_SINK"`
	MicrophoneGain     float64       `yaml:"microphone_gain" env:"MICROPHONE_GAIN"`
	SystemAudioGain    float64       `yaml:"system_audio_gain" env:"SYSTEM_AUDIO_GAIN"`
}

type vadConfig struct {
	VolumeThreshold      float64       `yaml:"volume_threshold" env:"VOLUME_THRESHOLD"`
	QuickSilenceDuration time.Duration `yaml:"quick_silence_duration" env:"QUICK_SILENCE_DURATION"`
	MaxBatchDuration     time.Duration `yaml:"max_batch_duration" env:"MAX_BATCH_DURATION"`
	TickInterval         time.Duration `yaml:"tick_interval" env:"TICK_INTERVAL"`
}

type batchConfig struct {
	Enabled         bool          `yaml:"enabled" env:"ENABLED"`
	Endpoint        string        `yaml:"endpoint" env:"ENDPOINT"`
	APIKey          string        `yaml:"api_key" env:"API_KEY"`
	Model           string        `yaml:"model" env:"MODEL"`
	Language        string        `yaml:"language" env:"LANGUAGE"`
	QualityInterval time.Duration `yaml:"quality_interval" env:"QUALITY_INTERVAL"`
	Timeout         time.Duration `yaml:"timeout" env:"TIMEOUT"`
	MaxRetries      int           `yaml:"max_retries" env:"MAX_RETRIES"`
	MaxConcurrent   int           `yaml:"max_concurrent" env:"MAX_CONCURRENT"`
}

type streamingConfig struct {
	Provider             string        `yaml:"provider" env:"PROVIDER"`
	Endpoint             string        `yaml:"endpoint" env:"ENDPOINT"`
	APIKey               string        `yaml:"api_key" env:"API_KEY"`
	Model                string        `yaml:"model" env:"MODEL"`
	Language             string        `yaml:"language" env:"LANGUAGE"`
	Encoding             string        `yaml:"encoding" env:"ENCODING"`
	Diarize              bool          `yaml:"diarize" env:"DIARIZE"`
	InterimResults       bool          `yaml:"interim_results" env:"INTERIM_RESULTS"`
	Punctuate            bool          `yaml:"punctuate" env:"PUNCTUATE"`
	SmartFormat          bool          `yaml:"smart_format" env:"SMART_FORMAT"`
	KeepAliveInterval    time.Duration `yaml:"keepalive_interval" env:"KEEPALIVE_INTERVAL"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay" env:"RECONNECT_DELAY"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts" env:"MAX_RECONNECT_ATTEMPTS"`
	SpeakerSwitchSilence time.Duration `yaml:"speaker_switch_silence" env:"SPEAKER_SWITCH_SILENCE"`
	MessageTimeout       time.Duration `yaml:"message_timeout" env:"MESSAGE_TIMEOUT"`
	AppendFinals         bool          `yaml:"append_finals" env:"APPEND_FINALS"`

	GoogleProjectID       string `yaml:"google_project_id" env:"GOOGLE_PROJECT_ID"`
	GoogleCredentialsJSON string `yaml:"google_credentials_json" env:"GOOGLE_CREDENTIALS_JSON"`
	GoogleLocation        string `yaml:"google_location" env:"GOOGLE_LOCATION"`
}

type phraseConfig struct {
	MinLength    int           `yaml:"min_length" env:"MIN_LENGTH"`
	PauseTimeout time.Duration `yaml:"pause_timeout" env:"PAUSE_TIMEOUT"`
	Language     string        `yaml:"language" env:"LANGUAGE"`
}

type outputConfig struct {
	WebhookURL         string `yaml:"webhook_url" env:"TRANSCRIPT_WEBHOOK_URL"`
	DiscordToken       string `yaml:"discord_token" env:"DISCORD_TOKEN"`
	DiscordChannelID   string `yaml:"discord_channel_id" env:"DISCORD_CHANNEL_ID"`
	TranscriptTimezone string `yaml:"transcript_timezone" env:"TRANSCRIPT_TIMEZONE"`
}

func defaultFileConfig() fileConfig {
	return fileConfig{
		Env: "production",
		Audio: audioConfig{
			SampleRate:         16000,
			Channels:           1,
			FrameDuration:      20 * time.Millisecond,
			ChunkInterval:      1000 * time.Millisecond,
			ChunkEncoding:      internalconfig.ChunkEncodingWAV,
			CaptureSystemAudio: true,
			MicrophoneGain:     1,
			SystemAudioGain:    1,
		},
		VAD: vadConfig{
			VolumeThreshold:      0.02,
			QuickSilenceDuration: 300 * time.Millisecond,
			MaxBatchDuration:     8000 * time.Millisecond,
			TickInterval:         25 * time.Millisecond,
		},
		Batch: batchConfig{
			Enabled:         true,
			Endpoint:        "https://api.deepgram.com/v1/listen",
			Model:           "nova-2",
			Language:        "en",
			QualityInterval: 30 * time.Second,
			Timeout:         30 * time.Second,
			MaxRetries:      2,
			MaxConcurrent:   4,
		},
		Streaming: streamingConfig{
			Provider:             internalconfig.ProviderDeepgram,
			Endpoint:             "wss://api.deepgram.com/v1/listen",
			Model:                "nova-2",
			Language:             "en",
			Encoding:             "linear16",
			Diarize:              true,
			InterimResults:       true,
			Punctuate:            true,
			SmartFormat:          true,
			KeepAliveInterval:    30 * time.Second,
			ReconnectDelay:       2 * time.Second,
			MaxReconnectAttempts: 3,
			SpeakerSwitchSilence: 5 * time.Second,
			MessageTimeout:       3 * time.Second,
			GoogleLocation:       "global",
		},
		Phrase: phraseConfig{
			MinLength:    12,
			PauseTimeout: 1500 * time.Millisecond,
			Language:     "en",
		},
		Output: outputConfig{
			TranscriptTimezone: "UTC",
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (skipped
// when path is empty) and environment variables, in that order.
func Load(path string) (*internalconfig.Config, error) {
	raw := defaultFileConfig()
	if path != "" {
		if err := readFile(path, &raw); err != nil {
			return nil, err
		}
	}
	if err := env.Parse(&raw); err != nil {
		return nil, fmt.Errorf("environment variables are invalid: %w", err)
	}

	cfg := raw.toConfig()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readFile(path string, raw *fileConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config file %s does not exist", path)
		}
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, raw); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (raw fileConfig) toConfig() *internalconfig.Config {
	return &internalconfig.Config{
		Env:            raw.Env,
		MetricsAddress: raw.MetricsAddress,
		Audio: internalconfig.AudioConfig{
			SampleRate:         raw.Audio.SampleRate,
			Channels:           raw.Audio.Channels,
			FrameDuration:      raw.Audio.FrameDuration,
			ChunkInterval:      raw.Audio.ChunkInterval,
			ChunkEncoding:      raw.Audio.ChunkEncoding,
			CaptureSystemAudio: raw.Audio.CaptureSystemAudio,
			MicrophoneSource:   raw.Audio.MicrophoneSource,
			SystemAudioSink:    raw.Audio.SystemAudioSink,
			MicrophoneGain:     raw.Audio.MicrophoneGain,
			SystemAudioGain:    raw.Audio.SystemAudioGain,
		},
		VAD: internalconfig.VADConfig{
			VolumeThreshold:      raw.VAD.VolumeThreshold,
			QuickSilenceDuration: raw.VAD.QuickSilenceDuration,
			MaxBatchDuration:     raw.VAD.MaxBatchDuration,
			TickInterval:         raw.VAD.TickInterval,
		},
		Batch: internalconfig.BatchConfig{
			Enabled:         raw.Batch.Enabled,
			Endpoint:        raw.Batch.Endpoint,
			APIKey:          raw.Batch.APIKey,
			Model:           raw.Batch.Model,
			Language:        raw.Batch.Language,
			QualityInterval: raw.Batch.QualityInterval,
			Timeout:         raw.Batch.Timeout,
			MaxRetries:      raw.Batch.MaxRetries,
			MaxConcurrent:   raw.Batch.MaxConcurrent,
		},
		Streaming: internalconfig.StreamingConfig{
			Provider:              raw.Streaming.Provider,
			Endpoint:              raw.Streaming.Endpoint,
			APIKey:                raw.Streaming.APIKey,
			Model:                 raw.Streaming.Model,
			Language:              raw.Streaming.Language,
			Encoding:              raw.Streaming.Encoding,
			Diarize:               raw.Streaming.Diarize,
			InterimResults:        raw.Streaming.InterimResults,
			Punctuate:             raw.Streaming.Punctuate,
			SmartFormat:           raw.Streaming.SmartFormat,
			KeepAliveInterval:     raw.Streaming.KeepAliveInterval,
			ReconnectDelay:        raw.Streaming.ReconnectDelay,
			MaxReconnectAttempts:  raw.Streaming.MaxReconnectAttempts,
			SpeakerSwitchSilence:  raw.Streaming.SpeakerSwitchSilence,
			MessageTimeout:        raw.Streaming.MessageTimeout,
			AppendFinals:          raw.Streaming.AppendFinals,
			GoogleProjectID:       raw.Streaming.GoogleProjectID,
			GoogleCredentialsJSON: raw.Streaming.GoogleCredentialsJSON,
			GoogleLocation:        raw.Streaming.GoogleLocation,
		},
		Phrase: internalconfig.PhraseConfig{
			MinLength:    raw.Phrase.MinLength,
			PauseTimeout: raw.Phrase.PauseTimeout,
			Language:     raw.Phrase.Language,
		},
		Output: internalconfig.OutputConfig{
			WebhookURL:         raw.Output.WebhookURL,
			DiscordToken:       raw.Output.DiscordToken,
			DiscordChannelID:   raw.Output.DiscordChannelID,
			TranscriptTimezone: raw.Output.TranscriptTimezone,
		},
	}
}
