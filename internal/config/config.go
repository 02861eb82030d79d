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
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	StdoutTraces   bool   `yaml:"stdout_traces"`
	PrometheusPath string `yaml:"prometheus_path"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	Device      string          `yaml:"device"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Capture     CaptureConfig   `yaml:"capture"`
	VAD         VADConfig       `yaml:"vad"`
	STT         STTConfig       `yaml:"stt"`
	TTS         TTSConfig       `yaml:"tts"`
	Modem       ModemConfig     `yaml:"modem"`
	Session     SessionConfig   `yaml:"session"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// CaptureConfig describes where raw audio frames come from.
type CaptureConfig struct {
	Source          string `yaml:"source"` // bus, none
	Subject         string `yaml:"subject"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	ChunkDurationMS int    `yaml:"chunk_duration_ms"`
	FrameBuffer     int    `yaml:"frame_buffer"`
}

type VADConfig struct {
	Mode               int `yaml:"mode"`
	SilenceThreshold   int `yaml:"silence_threshold"`
	MinSpeechChunks    int `yaml:"min_speech_chunks"`
	MaxSpeechChunks    int `yaml:"max_speech_chunks"`
	UtteranceQueueSize int `yaml:"utterance_queue_size"`
}

type STTConfig struct {
	Enabled            bool   `yaml:"enabled"`
	Mode               string `yaml:"mode"`
	Command            string `yaml:"command"`
	Model              string `yaml:"model"`
	Language           string `yaml:"language"`
	TimeoutMS          int    `yaml:"timeout_ms"`
	EventQueueSize     int    `yaml:"event_queue_size"`
	PublishTranscripts bool   `yaml:"publish_transcripts"`
}

type TTSConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Mode              string `yaml:"mode"`
	Command           string `yaml:"command"`
	Model             string `yaml:"model"`
	Voice             string `yaml:"voice"`
	SampleRate        int    `yaml:"sample_rate"`
	Channels          int    `yaml:"channels"`
	TimeoutMS         int    `yaml:"timeout_ms"`
	QueueSize         int    `yaml:"queue_size"`
	MaxSentenceLength int    `yaml:"max_sentence_length"`
	MinSentenceLength int    `yaml:"min_sentence_length"`
	ChunkDelayMS      int    `yaml:"chunk_delay_ms"`
}

// ModemConfig controls the data-over-sound transmitter.
type ModemConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Mode           string `yaml:"mode"`
	Command        string `yaml:"command"`
	MaxPayloadSize int    `yaml:"max_payload_size"`
	ProtocolID     int    `yaml:"protocol_id"`
	Volume         int    `yaml:"volume"`
	ChunkGapMS     int    `yaml:"chunk_gap_ms"`
}

type SessionConfig struct {
	Version         string `yaml:"version"`
	WriteTimeoutMS  int    `yaml:"write_timeout_ms"`
	MaxMessageBytes int64  `yaml:"max_message_bytes"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-speech",
		Environment: "development",
		Device:      "cpu",
		HTTP: HTTPConfig{
			Bind: "localhost",
			Port: 8765,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusPath: "/metrics",
		},
		Bus: BusConfig{
			Enabled:        true,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Capture: CaptureConfig{
			Source:          "bus",
			Subject:         "audio.frame.>",
			SampleRate:      16000,
			Channels:        1,
			ChunkDurationMS: 30,
			FrameBuffer:     64,
		},
		VAD: VADConfig{
			Mode:               1,
			SilenceThreshold:   2,
			MinSpeechChunks:    10,
			MaxSpeechChunks:    100,
			UtteranceQueueSize: 3,
		},
		STT: STTConfig{
			Enabled:            true,
			Mode:               "mock",
			Model:              "base",
			Language:           "en",
			TimeoutMS:          45000,
			EventQueueSize:     20,
			PublishTranscripts: true,
		},
		TTS: TTSConfig{
			Enabled:           true,
			Mode:              "mock",
			Model:             "tts_models/en/jenny/jenny",
			SampleRate:        22050,
			Channels:          1,
			TimeoutMS:         45000,
			QueueSize:         10,
			MaxSentenceLength: 50,
			MinSentenceLength: 20,
			ChunkDelayMS:      100,
		},
		Modem: ModemConfig{
			Enabled:        true,
			Mode:           "mock",
			MaxPayloadSize: 140,
			ProtocolID:     2,
			Volume:         20,
			ChunkGapMS:     100,
		},
		Session: SessionConfig{
			Version:         "1.0.0",
			WriteTimeoutMS:  5000,
			MaxMessageBytes: 1 << 20,
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
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.Device, "LOQA_DEVICE")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "LOQA_TELEMETRY_STDOUT_TRACES")
	overrideString(&cfg.Telemetry.PrometheusPath, "LOQA_TELEMETRY_PROMETHEUS_PATH")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Capture.Source, "LOQA_CAPTURE_SOURCE")
	overrideString(&cfg.Capture.Subject, "LOQA_CAPTURE_SUBJECT")
	overrideInt(&cfg.Capture.SampleRate, "LOQA_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "LOQA_CAPTURE_CHANNELS")
	overrideInt(&cfg.Capture.ChunkDurationMS, "LOQA_CAPTURE_CHUNK_DURATION_MS")
	overrideInt(&cfg.Capture.FrameBuffer, "LOQA_CAPTURE_FRAME_BUFFER")
	overrideInt(&cfg.VAD.Mode, "LOQA_VAD_MODE")
	overrideInt(&cfg.VAD.SilenceThreshold, "LOQA_VAD_SILENCE_THRESHOLD")
	overrideInt(&cfg.VAD.MinSpeechChunks, "LOQA_VAD_MIN_SPEECH_CHUNKS")
	overrideInt(&cfg.VAD.MaxSpeechChunks, "LOQA_VAD_MAX_SPEECH_CHUNKS")
	overrideInt(&cfg.VAD.UtteranceQueueSize, "LOQA_VAD_UTTERANCE_QUEUE_SIZE")
	overrideBool(&cfg.STT.Enabled, "LOQA_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "LOQA_STT_MODE")
	overrideString(&cfg.STT.Command, "LOQA_STT_COMMAND")
	overrideString(&cfg.STT.Model, "LOQA_STT_MODEL")
	overrideString(&cfg.STT.Language, "LOQA_STT_LANGUAGE")
	overrideInt(&cfg.STT.TimeoutMS, "LOQA_STT_TIMEOUT_MS")
	overrideInt(&cfg.STT.EventQueueSize, "LOQA_STT_EVENT_QUEUE_SIZE")
	overrideBool(&cfg.STT.PublishTranscripts, "LOQA_STT_PUBLISH_TRANSCRIPTS")
	overrideBool(&cfg.TTS.Enabled, "LOQA_TTS_ENABLED")
	overrideString(&cfg.TTS.Mode, "LOQA_TTS_MODE")
	overrideString(&cfg.TTS.Command, "LOQA_TTS_COMMAND")
	overrideString(&cfg.TTS.Model, "LOQA_TTS_MODEL")
	overrideString(&cfg.TTS.Voice, "LOQA_TTS_VOICE")
	overrideInt(&cfg.TTS.SampleRate, "LOQA_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "LOQA_TTS_CHANNELS")
	overrideInt(&cfg.TTS.TimeoutMS, "LOQA_TTS_TIMEOUT_MS")
	overrideInt(&cfg.TTS.QueueSize, "LOQA_TTS_QUEUE_SIZE")
	overrideInt(&cfg.TTS.MaxSentenceLength, "LOQA_TTS_MAX_SENTENCE_LENGTH")
	overrideInt(&cfg.TTS.MinSentenceLength, "LOQA_TTS_MIN_SENTENCE_LENGTH")
	overrideInt(&cfg.TTS.ChunkDelayMS, "LOQA_TTS_CHUNK_DELAY_MS")
	overrideBool(&cfg.Modem.Enabled, "LOQA_MODEM_ENABLED")
	overrideString(&cfg.Modem.Mode, "LOQA_MODEM_MODE")
	overrideString(&cfg.Modem.Command, "LOQA_MODEM_COMMAND")
	overrideInt(&cfg.Modem.MaxPayloadSize, "LOQA_MODEM_MAX_PAYLOAD_SIZE")
	overrideInt(&cfg.Modem.ProtocolID, "LOQA_MODEM_PROTOCOL_ID")
	overrideInt(&cfg.Modem.Volume, "LOQA_MODEM_VOLUME")
	overrideInt(&cfg.Modem.ChunkGapMS, "LOQA_MODEM_CHUNK_GAP_MS")
	overrideString(&cfg.Session.Version, "LOQA_SESSION_VERSION")
	overrideInt(&cfg.Session.WriteTimeoutMS, "LOQA_SESSION_WRITE_TIMEOUT_MS")
	overrideInt64(&cfg.Session.MaxMessageBytes, "LOQA_SESSION_MAX_MESSAGE_BYTES")
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

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if !strings.HasPrefix(cfg.Telemetry.PrometheusPath, "/") {
		return errors.New("telemetry.prometheus_path must start with /")
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
	switch cfg.Capture.Source {
	case "bus":
		if !cfg.Bus.Enabled {
			return errors.New("capture.source=bus requires bus.enabled")
		}
		if cfg.Capture.Subject == "" {
			return errors.New("capture.subject must not be empty when source=bus")
		}
	case "none":
	default:
		return errors.New("capture.source must be one of bus|none")
	}
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if cfg.Capture.Channels <= 0 {
		return errors.New("capture.channels must be positive")
	}
	switch cfg.Capture.ChunkDurationMS {
	case 10, 20, 30:
	default:
		return errors.New("capture.chunk_duration_ms must be one of 10|20|30")
	}
	if cfg.Capture.FrameBuffer <= 0 {
		return errors.New("capture.frame_buffer must be >= 1")
	}
	if cfg.VAD.Mode < 0 || cfg.VAD.Mode > 3 {
		return errors.New("vad.mode must be between 0 and 3")
	}
	if cfg.VAD.SilenceThreshold <= 0 {
		return errors.New("vad.silence_threshold must be positive")
	}
	if cfg.VAD.MinSpeechChunks <= 0 {
		return errors.New("vad.min_speech_chunks must be positive")
	}
	if cfg.VAD.MaxSpeechChunks < cfg.VAD.MinSpeechChunks {
		return errors.New("vad.max_speech_chunks must be >= vad.min_speech_chunks")
	}
	if cfg.VAD.UtteranceQueueSize <= 0 {
		return errors.New("vad.utterance_queue_size must be >= 1")
	}
	if cfg.STT.Enabled {
		switch cfg.STT.Mode {
		case "mock", "exec":
		default:
			return errors.New("stt.mode must be one of mock|exec")
		}
		if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
		if cfg.STT.EventQueueSize <= 0 {
			return errors.New("stt.event_queue_size must be >= 1")
		}
		if cfg.STT.PublishTranscripts && !cfg.Bus.Enabled {
			return errors.New("stt.publish_transcripts requires bus.enabled")
		}
	}
	if cfg.TTS.Enabled {
		switch cfg.TTS.Mode {
		case "mock", "exec":
		default:
			return errors.New("tts.mode must be one of mock|exec")
		}
		if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
		if cfg.TTS.SampleRate <= 0 {
			return errors.New("tts.sample_rate must be positive")
		}
		if cfg.TTS.Channels <= 0 {
			return errors.New("tts.channels must be positive")
		}
	}
	if cfg.TTS.QueueSize <= 0 {
		return errors.New("tts.queue_size must be >= 1")
	}
	if cfg.TTS.MaxSentenceLength <= 0 {
		return errors.New("tts.max_sentence_length must be positive")
	}
	if cfg.TTS.MinSentenceLength < 0 {
		return errors.New("tts.min_sentence_length must be >= 0")
	}
	if cfg.TTS.ChunkDelayMS < 0 {
		return errors.New("tts.chunk_delay_ms must be >= 0")
	}
	if cfg.Modem.Enabled {
		switch cfg.Modem.Mode {
		case "mock", "exec":
		default:
			return errors.New("modem.mode must be one of mock|exec")
		}
		if cfg.Modem.Mode == "exec" && cfg.Modem.Command == "" {
			return errors.New("modem.command must be set when mode=exec")
		}
		if cfg.Modem.MaxPayloadSize <= 0 {
			return errors.New("modem.max_payload_size must be positive")
		}
	}
	if cfg.Session.WriteTimeoutMS <= 0 {
		return errors.New("session.write_timeout_ms must be positive")
	}
	return nil
}
