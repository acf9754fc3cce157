package config

import (
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Env: "development",
		Audio: AudioConfig{
			SampleRate:    16000,
			Channels:      1,
			FrameDuration: 20 * time.Millisecond,
			ChunkInterval: time.Second,
			ChunkEncoding: ChunkEncodingWAV,
		},
		VAD: VADConfig{
			VolumeThreshold:      0.02,
			QuickSilenceDuration: 300 * time.Millisecond,
			MaxBatchDuration:     8 * time.Second,
			TickInterval:         25 * time.Millisecond,
		},
		Batch: BatchConfig{
			Endpoint:        "https://api.deepgram.com/v1/listen",
			Model:           "nova-2",
			Language:        "en",
			QualityInterval: 30 * time.Second,
			Timeout:         30 * time.Second,
			MaxRetries:      2,
			MaxConcurrent:   4,
		},
		Streaming: StreamingConfig{
			Provider:             ProviderDeepgram,
			Endpoint:             "wss://api.deepgram.com/v1/listen",
			Model:                "nova-2",
			Language:             "en",
			Encoding:             "linear16",
			KeepAliveInterval:    30 * time.Second,
			ReconnectDelay:       2 * time.Second,
			MaxReconnectAttempts: 3,
			MessageTimeout:       3 * time.Second,
		},
		Phrase: PhraseConfig{MinLength: 12, PauseTimeout: 1500 * time.Millisecond, Language: "en"},
		Output: OutputConfig{TranscriptTimezone: "UTC"},
	}
}

func TestValidate_Valid(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestValidate_Invalid(t *testing.T) {
	cases := map[string]func(*Config){
		"missing provider":      func(c *Config) { c.Streaming.Provider = "" },
		"unknown provider":      func(c *Config) { c.Streaming.Provider = "whisper" },
		"stereo":                func(c *Config) { c.Audio.Channels = 2 },
		"unknown encoding":      func(c *Config) { c.Audio.ChunkEncoding = "mp3" },
		"threshold too high":    func(c *Config) { c.VAD.VolumeThreshold = 1.5 },
		"batch shorter":         func(c *Config) { c.VAD.MaxBatchDuration = 100 * time.Millisecond },
		"no concurrency":        func(c *Config) { c.Batch.MaxConcurrent = 0 },
		"no reconnect attempts": func(c *Config) { c.Streaming.MaxReconnectAttempts = 0 },
		"discord without chan":  func(c *Config) { c.Output.DiscordToken = "token" },
		"bad timezone":          func(c *Config) { c.Output.TranscriptTimezone = "Mars/Olympus" },
		"chunk below frame":     func(c *Config) { c.Audio.ChunkInterval = 10 * time.Millisecond },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := validConfig()
			mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestValidate_MissingRequired(t *testing.T) {
	cfg := &Config{}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when required fields are missing")
	}
}

func TestIsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	if !cfg.IsDevelopment() {
		t.Fatal("expected development mode")
	}
	cfg.Env = "production"
	if cfg.IsDevelopment() {
		t.Fatal("expected non-development mode")
	}
}

func TestStreamingConfigured(t *testing.T) {
	cfg := validConfig()
	if cfg.StreamingConfigured() {
		t.Fatal("expected unconfigured without an API key")
	}
	cfg.Streaming.APIKey = "key"
	if !cfg.StreamingConfigured() {
		t.Fatal("expected configured with an API key")
	}

	cfg.Streaming.Provider = ProviderGoogle
	if cfg.StreamingConfigured() {
		t.Fatal("google provider needs project and credentials")
	}
	cfg.Streaming.GoogleProjectID = "project"
	cfg.Streaming.GoogleCredentialsJSON = `{"type":"service_account"}`
	if !cfg.StreamingConfigured() {
		t.Fatal("expected google provider configured")
	}
}

func TestBatchConfigured(t *testing.T) {
	cfg := validConfig()
	cfg.Batch.APIKey = "key"
	if cfg.BatchConfigured() {
		t.Fatal("disabled batch tier must report unconfigured")
	}
	cfg.Batch.Enabled = true
	if !cfg.BatchConfigured() {
		t.Fatal("expected batch configured")
	}
}
