package config

import (
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
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
	Node        NodeConfig      `yaml:"node"`
	Engine      EngineConfig    `yaml:"engine"`
	Bridge      BridgeConfig    `yaml:"bridge"`
	Voice       VoiceConfig     `yaml:"voice"`
	Speech      SpeechConfig    `yaml:"speech"`
	Journal     JournalConfig   `yaml:"journal"`
}

type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EngineConfig struct {
	Mode           string `yaml:"mode"` // mock, exec
	Command        string `yaml:"command"`
	Variant        string `yaml:"variant"` // buffered, tapped
	EngineDir      string `yaml:"engine_dir"`
	ReadyTimeoutMS int    `yaml:"ready_timeout_ms"`
	SampleRate     int    `yaml:"sample_rate"`
	Channels       int    `yaml:"channels"`
	BitsPerSample  int    `yaml:"bits_per_sample"`
}

type BridgeConfig struct {
	MaxBufferedKB      int `yaml:"max_buffered_kb"`
	MaxQueueItems      int `yaml:"max_queue_items"`
	SynthesisTimeoutMS int `yaml:"synthesis_timeout_ms"`
	StopGraceMS        int `yaml:"stop_grace_ms"`
}

// VoiceConfig is the hot-reloadable section: edits to it are picked up
// by the config watcher and applied without restarting the runtime.
// Variant is the engine's voice-variant preset (0 leaves it alone);
// parameter fields use -1 for "leave the engine default alone".
type VoiceConfig struct {
	Voice          int    `yaml:"voice"`
	Variant        int    `yaml:"variant"`
	RateBoost      int    `yaml:"rate_boost"`
	HeadSize       int    `yaml:"head_size"`
	PitchHeight    int    `yaml:"pitch_height"`
	PitchRange     int    `yaml:"pitch_range"`
	Roughness      int    `yaml:"roughness"`
	Breathiness    int    `yaml:"breathiness"`
	Speed          int    `yaml:"speed"`
	Volume         int    `yaml:"volume"`
	MainDictionary string `yaml:"main_dictionary"`
	RootDictionary string `yaml:"root_dictionary"`
}

// Params returns the explicitly set voice parameters keyed by engine
// parameter id (1..7).
func (v VoiceConfig) Params() map[int]int {
	out := make(map[int]int)
	for id, val := range map[int]int{
		1: v.HeadSize,
		2: v.PitchHeight,
		3: v.PitchRange,
		4: v.Roughness,
		5: v.Breathiness,
		6: v.Speed,
		7: v.Volume,
	} {
		if val >= 0 {
			out[id] = val
		}
	}
	return out
}

type SpeechConfig struct {
	Enabled        bool   `yaml:"enabled"`
	PumpIntervalMS int    `yaml:"pump_interval_ms"`
	ReadBufferKB   int    `yaml:"read_buffer_kb"`
	CaptureDir     string `yaml:"capture_dir"`
}

type JournalConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxUtterances int    `yaml:"max_utterances"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		RuntimeName: "voxbridge",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "voxbridge-1",
			Role:              "speech",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		Engine: EngineConfig{
			Mode:           "mock",
			Variant:        "buffered",
			ReadyTimeoutMS: 10000,
			SampleRate:     11025,
			Channels:       1,
			BitsPerSample:  16,
		},
		Bridge: BridgeConfig{
			MaxBufferedKB:      4096,
			MaxQueueItems:      8192,
			SynthesisTimeoutMS: 120000,
			StopGraceMS:        500,
		},
		Voice: VoiceConfig{
			Voice:       0,
			Variant:     0,
			RateBoost:   100,
			HeadSize:    -1,
			PitchHeight: -1,
			PitchRange:  -1,
			Roughness:   -1,
			Breathiness: -1,
			Speed:       -1,
			Volume:      -1,
		},
		Speech: SpeechConfig{
			Enabled:        true,
			PumpIntervalMS: 20,
			ReadBufferKB:   16,
		},
		Journal: JournalConfig{
			Path:          "./data/voxbridge-journal.db",
			RetentionMode: "recent",
			RetentionDays: 30,
			MaxUtterances: 10000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := ioutil.ReadFile(path)
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
	overrideString(&cfg.RuntimeName, "VOX_RUNTIME_NAME")
	overrideString(&cfg.Environment, "VOX_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VOX_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VOX_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "VOX_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VOX_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VOX_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "VOX_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "VOX_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "VOX_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "VOX_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VOX_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VOX_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VOX_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "VOX_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "VOX_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "VOX_NODE_ID")
	overrideString(&cfg.Node.Role, "VOX_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "VOX_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "VOX_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.Engine.Mode, "VOX_ENGINE_MODE")
	overrideString(&cfg.Engine.Command, "VOX_ENGINE_COMMAND")
	overrideString(&cfg.Engine.Variant, "VOX_ENGINE_VARIANT")
	overrideString(&cfg.Engine.EngineDir, "VOX_ENGINE_DIR")
	overrideInt(&cfg.Engine.ReadyTimeoutMS, "VOX_ENGINE_READY_TIMEOUT_MS")
	overrideInt(&cfg.Engine.SampleRate, "VOX_ENGINE_SAMPLE_RATE")
	overrideInt(&cfg.Engine.Channels, "VOX_ENGINE_CHANNELS")
	overrideInt(&cfg.Engine.BitsPerSample, "VOX_ENGINE_BITS_PER_SAMPLE")
	overrideInt(&cfg.Bridge.MaxBufferedKB, "VOX_BRIDGE_MAX_BUFFERED_KB")
	overrideInt(&cfg.Bridge.MaxQueueItems, "VOX_BRIDGE_MAX_QUEUE_ITEMS")
	overrideInt(&cfg.Bridge.SynthesisTimeoutMS, "VOX_BRIDGE_SYNTHESIS_TIMEOUT_MS")
	overrideInt(&cfg.Bridge.StopGraceMS, "VOX_BRIDGE_STOP_GRACE_MS")
	overrideInt(&cfg.Voice.Voice, "VOX_VOICE")
	overrideInt(&cfg.Voice.Variant, "VOX_VOICE_VARIANT")
	overrideInt(&cfg.Voice.RateBoost, "VOX_VOICE_RATE_BOOST")
	overrideString(&cfg.Voice.MainDictionary, "VOX_VOICE_MAIN_DICTIONARY")
	overrideString(&cfg.Voice.RootDictionary, "VOX_VOICE_ROOT_DICTIONARY")
	overrideBool(&cfg.Speech.Enabled, "VOX_SPEECH_ENABLED")
	overrideInt(&cfg.Speech.PumpIntervalMS, "VOX_SPEECH_PUMP_INTERVAL_MS")
	overrideInt(&cfg.Speech.ReadBufferKB, "VOX_SPEECH_READ_BUFFER_KB")
	overrideString(&cfg.Speech.CaptureDir, "VOX_SPEECH_CAPTURE_DIR")
	overrideString(&cfg.Journal.Path, "VOX_JOURNAL_PATH")
	overrideString(&cfg.Journal.RetentionMode, "VOX_JOURNAL_RETENTION_MODE")
	overrideInt(&cfg.Journal.RetentionDays, "VOX_JOURNAL_RETENTION_DAYS")
	overrideInt(&cfg.Journal.MaxUtterances, "VOX_JOURNAL_MAX_UTTERANCES")
	overrideBool(&cfg.Journal.VacuumOnStart, "VOX_JOURNAL_VACUUM_ON_START")
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	switch cfg.Engine.Mode {
	case "mock", "exec":
	default:
		return errors.New("engine.mode must be one of mock|exec")
	}
	if cfg.Engine.Mode == "exec" && cfg.Engine.Command == "" {
		return errors.New("engine.command must be set when mode=exec")
	}
	switch cfg.Engine.Variant {
	case "buffered", "tapped":
	default:
		return errors.New("engine.variant must be one of buffered|tapped")
	}
	if cfg.Engine.Mode == "mock" {
		if cfg.Engine.SampleRate <= 0 {
			return errors.New("engine.sample_rate must be positive when mode=mock")
		}
		if cfg.Engine.Channels <= 0 {
			return errors.New("engine.channels must be positive when mode=mock")
		}
		if cfg.Engine.BitsPerSample != 8 && cfg.Engine.BitsPerSample != 16 {
			return errors.New("engine.bits_per_sample must be 8 or 16 when mode=mock")
		}
	}
	if cfg.Bridge.MaxBufferedKB <= 0 {
		return errors.New("bridge.max_buffered_kb must be positive")
	}
	if cfg.Bridge.MaxQueueItems <= 0 {
		return errors.New("bridge.max_queue_items must be positive")
	}
	if cfg.Bridge.SynthesisTimeoutMS <= 0 {
		return errors.New("bridge.synthesis_timeout_ms must be positive")
	}
	if cfg.Bridge.StopGraceMS <= 0 {
		return errors.New("bridge.stop_grace_ms must be positive")
	}
	if cfg.Voice.RateBoost < 0 {
		return errors.New("voice.rate_boost must be >= 0")
	}
	if cfg.Speech.Enabled {
		if cfg.Speech.PumpIntervalMS <= 0 {
			return errors.New("speech.pump_interval_ms must be positive")
		}
		if cfg.Speech.ReadBufferKB <= 0 {
			return errors.New("speech.read_buffer_kb must be positive")
		}
	}
	if cfg.Journal.Path == "" {
		return errors.New("journal.path must not be empty")
	}
	switch cfg.Journal.RetentionMode {
	case "ephemeral", "recent", "persistent":
		// ok
	default:
		return errors.New("journal.retention_mode must be one of ephemeral|recent|persistent")
	}
	if cfg.Journal.RetentionDays < 0 {
		return errors.New("journal.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	return nil
}
