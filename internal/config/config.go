package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	History     HistoryConfig   `yaml:"history"`
	Session     SessionConfig   `yaml:"session"`
	STT         STTConfig       `yaml:"stt"`
	LLM         LLMConfig       `yaml:"llm"`
	TTS         TTSConfig       `yaml:"tts"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type HistoryConfig struct {
	Mode string `yaml:"mode"` // memory, sqlite
	Path string `yaml:"path"`
}

type SessionConfig struct {
	MaxAudioBytes int `yaml:"max_audio_bytes"`
}

type STTConfig struct {
	Mode           string `yaml:"mode"` // mock, azure
	Region         string `yaml:"region"`
	Key            string `yaml:"key"`
	Language       string `yaml:"language"`
	SampleRate     int    `yaml:"sample_rate"`
	Channels       int    `yaml:"channels"`
	RequestTimeout int    `yaml:"request_timeout_ms"`
}

type LLMConfig struct {
	Mode         string  `yaml:"mode"` // mock, openai
	APIKey       string  `yaml:"api_key"`
	BaseURL      string  `yaml:"base_url"`
	Model        string  `yaml:"model"`
	SystemPrompt string  `yaml:"system_prompt"`
	MaxTokens    int     `yaml:"max_tokens"`
	Temperature  float64 `yaml:"temperature"`
}

type TTSConfig struct {
	Mode            string  `yaml:"mode"` // mock, elevenlabs
	APIKey          string  `yaml:"api_key"`
	VoiceID         string  `yaml:"voice_id"`
	Model           string  `yaml:"model"`
	OutputFormat    string  `yaml:"output_format"`
	Stability       float64 `yaml:"stability"`
	SimilarityBoost float64 `yaml:"similarity_boost"`
	Style           float64 `yaml:"style"`
	Speed           float64 `yaml:"speed"`
}

const defaultSystemPrompt = "You are a voice assistant created by Kindred. " +
	"Your interface with users will be voice. " +
	"You should use short and concise responses, and avoid usage of unpronounceable punctuation."

func Default() Config {
	return Config{
		RuntimeName: "voice-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		History: HistoryConfig{
			Mode: "memory",
			Path: "./data/voice-history.db",
		},
		Session: SessionConfig{
			MaxAudioBytes: 10 << 20,
		},
		STT: STTConfig{
			Mode:           "mock",
			Language:       "en-US",
			SampleRate:     16000,
			Channels:       1,
			RequestTimeout: 30000,
		},
		LLM: LLMConfig{
			Mode:         "mock",
			Model:        "gpt-4o-mini",
			SystemPrompt: defaultSystemPrompt,
			MaxTokens:    256,
			Temperature:  0.7,
		},
		TTS: TTSConfig{
			Mode:            "mock",
			Model:           "eleven_flash_v2_5",
			OutputFormat:    "pcm_16000",
			Stability:       0.75,
			SimilarityBoost: 1.0,
			Style:           0.0,
			Speed:           1.0,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "VOICE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "VOICE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VOICE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VOICE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "VOICE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VOICE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VOICE_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Enabled, "VOICE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "VOICE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "VOICE_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "VOICE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VOICE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VOICE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VOICE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "VOICE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "VOICE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.History.Mode, "VOICE_HISTORY_MODE")
	overrideString(&cfg.History.Path, "VOICE_HISTORY_PATH")
	overrideInt(&cfg.Session.MaxAudioBytes, "VOICE_SESSION_MAX_AUDIO_BYTES")
	overrideString(&cfg.STT.Mode, "VOICE_STT_MODE")
	overrideString(&cfg.STT.Region, "VOICE_STT_REGION")
	overrideString(&cfg.STT.Key, "VOICE_STT_KEY")
	overrideString(&cfg.STT.Language, "VOICE_STT_LANGUAGE")
	overrideInt(&cfg.STT.SampleRate, "VOICE_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "VOICE_STT_CHANNELS")
	overrideInt(&cfg.STT.RequestTimeout, "VOICE_STT_REQUEST_TIMEOUT_MS")
	overrideString(&cfg.LLM.Mode, "VOICE_LLM_MODE")
	overrideString(&cfg.LLM.APIKey, "VOICE_LLM_API_KEY")
	overrideString(&cfg.LLM.BaseURL, "VOICE_LLM_BASE_URL")
	overrideString(&cfg.LLM.Model, "VOICE_LLM_MODEL")
	overrideString(&cfg.LLM.SystemPrompt, "VOICE_LLM_SYSTEM_PROMPT")
	overrideInt(&cfg.LLM.MaxTokens, "VOICE_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "VOICE_LLM_TEMPERATURE")
	overrideString(&cfg.TTS.Mode, "VOICE_TTS_MODE")
	overrideString(&cfg.TTS.APIKey, "VOICE_TTS_API_KEY")
	overrideString(&cfg.TTS.VoiceID, "VOICE_TTS_VOICE_ID")
	overrideString(&cfg.TTS.Model, "VOICE_TTS_MODEL")
	overrideString(&cfg.TTS.OutputFormat, "VOICE_TTS_OUTPUT_FORMAT")
	overrideFloat(&cfg.TTS.Stability, "VOICE_TTS_STABILITY")
	overrideFloat(&cfg.TTS.SimilarityBoost, "VOICE_TTS_SIMILARITY_BOOST")
	overrideFloat(&cfg.TTS.Style, "VOICE_TTS_STYLE")
	overrideFloat(&cfg.TTS.Speed, "VOICE_TTS_SPEED")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.History.Mode {
	case "memory", "sqlite":
		// ok
	default:
		return errors.New("history.mode must be one of memory|sqlite")
	}
	if cfg.History.Mode == "sqlite" && cfg.History.Path == "" {
		return errors.New("history.path must not be empty when mode=sqlite")
	}
	if cfg.Session.MaxAudioBytes <= 0 {
		return errors.New("session.max_audio_bytes must be positive")
	}
	switch cfg.STT.Mode {
	case "mock":
	case "azure":
		if cfg.STT.Region == "" {
			return errors.New("stt.region must be set when mode=azure")
		}
		if cfg.STT.Key == "" {
			return errors.New("stt.key must be set when mode=azure")
		}
	default:
		return errors.New("stt.mode must be one of mock|azure")
	}
	if cfg.STT.SampleRate <= 0 {
		return errors.New("stt.sample_rate must be positive")
	}
	if cfg.STT.Channels <= 0 {
		return errors.New("stt.channels must be positive")
	}
	switch cfg.LLM.Mode {
	case "mock":
	case "openai":
		if cfg.LLM.APIKey == "" {
			return errors.New("llm.api_key must be set when mode=openai")
		}
		if cfg.LLM.Model == "" {
			return errors.New("llm.model must be set when mode=openai")
		}
	default:
		return errors.New("llm.mode must be one of mock|openai")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	switch cfg.TTS.Mode {
	case "mock":
	case "elevenlabs":
		if cfg.TTS.APIKey == "" {
			return errors.New("tts.api_key must be set when mode=elevenlabs")
		}
		if cfg.TTS.VoiceID == "" {
			return errors.New("tts.voice_id must be set when mode=elevenlabs")
		}
	default:
		return errors.New("tts.mode must be one of mock|elevenlabs")
	}
	return nil
}
