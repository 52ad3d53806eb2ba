// SPDX-License-Identifier: MIT
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"lumen/pkg/bitint"
)

// MinDeviceID selects the system default capture device.
const MinDeviceID = -1

// Config is the full application configuration, loaded from YAML. The
// cast and serve subcommands read disjoint sections; both share the
// top-level logging knobs.
type Config struct {
	LogLevel  string          `yaml:"log_level"` // debug|info|warn|error
	Audio     AudioConfig     `yaml:"audio"`     // capture settings (cast)
	Analysis  AnalysisConfig  `yaml:"analysis"`  // AGC/envelope tuning (cast)
	Beat      BeatConfig      `yaml:"beat"`      // beat detector tuning (cast)
	Link      LinkConfig      `yaml:"link"`      // coordinator link (cast)
	Recording RecordingConfig `yaml:"recording"` // WAV capture recording (cast)
	Server    ServerConfig    `yaml:"server"`    // coordinator settings (serve)
	History   HistoryConfig   `yaml:"history"`   // event log (serve)
	Mirror    MirrorConfig    `yaml:"mirror"`    // UDP state mirror (serve)
}

// AudioConfig holds capture-side device and buffer settings.
type AudioConfig struct {
	InputDevice     int     `yaml:"input_device"`      // PortAudio device index, -1 for default
	SampleRate      float64 `yaml:"sample_rate"`       // Hz
	FramesPerBuffer int     `yaml:"frames_per_buffer"` // also the FFT window length, power of two
	Channels        int     `yaml:"channels"`          // 1 mono, 2 stereo (analysis reads channel 0)
	LowLatency      bool    `yaml:"low_latency"`       // request low-latency settings from the device
	FFTWindow       string  `yaml:"fft_window"`        // window function name, e.g. "hann"
}

// AnalysisConfig tunes per-band AGC and envelope smoothing. A named
// preset supplies the base values; explicitly set fields override the
// preset one by one. Zero means "use the preset".
type AnalysisConfig struct {
	Preset   string  `yaml:"preset"`
	AGCDecay float64 `yaml:"agc_decay"` // per-tick multiplicative decay of the running max, <1
	AGCFloor float64 `yaml:"agc_floor"` // lower bound of the running max, avoids divide by zero
	Attack   float64 `yaml:"attack"`    // envelope coefficient while rising
	Release  float64 `yaml:"release"`   // envelope coefficient while falling
}

// BeatConfig tunes the bass-band beat detector.
type BeatConfig struct {
	ThresholdMultiplier float64 `yaml:"threshold_multiplier"` // threshold = mean(history) * multiplier
	AbsoluteFloor       float64 `yaml:"absolute_floor"`       // no beats below this level, silences noise
	CooldownTicks       int     `yaml:"cooldown_ticks"`       // minimum ticks between beats
	History             int     `yaml:"history"`              // rolling bass history length
}

// LinkConfig configures the source-side coordinator link. Exactly one of
// connect_code or the source_id/source_key pair should be set.
type LinkConfig struct {
	ServerURL         string        `yaml:"server_url"`
	DisplayName       string        `yaml:"display_name"`
	ConnectCode       string        `yaml:"connect_code"`
	SourceID          string        `yaml:"source_id"`
	SourceKey         string        `yaml:"source_key"`
	FrameRate         int           `yaml:"frame_rate"`         // outbound frames per second
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"` // app-level heartbeat cadence
	MaxAttempts       int           `yaml:"max_attempts"`       // connect attempts before giving up, 0 = forever
}

// RecordingConfig controls WAV recording of the raw capture.
type RecordingConfig struct {
	Enabled   bool   `yaml:"enabled"`
	OutputDir string `yaml:"output_dir"`
}

// SourceIdentity is one configured direct-auth identity.
type SourceIdentity struct {
	ID   string `yaml:"id"`
	Key  string `yaml:"key"`
	Name string `yaml:"name"`
}

// ServerConfig holds coordinator settings.
type ServerConfig struct {
	ListenAddr       string           `yaml:"listen_addr"`
	AdminToken       string           `yaml:"admin_token"`       // bearer token for mutating admin routes
	RenderTick       time.Duration    `yaml:"render_tick"`       // pattern engine tick interval
	SubscriberQueue  int              `yaml:"subscriber_queue"`  // per-subscriber outbound queue depth
	FrameRateLimit   float64          `yaml:"frame_rate_limit"`  // per-source analysis_frame ingest cap, frames/s
	HeartbeatTimeout time.Duration    `yaml:"heartbeat_timeout"` // stale-session sweep threshold
	AuthWindow       time.Duration    `yaml:"auth_window"`       // time a fresh socket has to authenticate
	Pattern          string           `yaml:"pattern"`           // pattern active at startup
	Sources          []SourceIdentity `yaml:"sources"`
}

// HistoryConfig controls the coordinator event log.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// MirrorConfig controls the binary UDP state mirror.
type MirrorConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Target   string        `yaml:"target"`
	Interval time.Duration `yaml:"interval"`
}

// presets are the named AGC/envelope coefficient sets. "default" tracks
// typical music material; "smooth" trades response for stability;
// "punchy" exaggerates transients for percussive sources.
var presets = map[string]AnalysisConfig{
	"default": {AGCDecay: 0.9985, AGCFloor: 1e-4, Attack: 0.55, Release: 0.12},
	"smooth":  {AGCDecay: 0.9990, AGCFloor: 1e-4, Attack: 0.35, Release: 0.08},
	"punchy":  {AGCDecay: 0.9980, AGCFloor: 1e-4, Attack: 0.80, Release: 0.20},
}

// Resolved returns the analysis coefficients with the preset applied and
// explicit non-zero fields overriding it. An unknown preset is an error;
// an empty preset means "default".
func (a AnalysisConfig) Resolved() (AnalysisConfig, error) {
	name := a.Preset
	if name == "" {
		name = "default"
	}
	base, ok := presets[name]
	if !ok {
		return AnalysisConfig{}, fmt.Errorf("unknown analysis preset %q", name)
	}
	base.Preset = name
	if a.AGCDecay > 0 {
		base.AGCDecay = a.AGCDecay
	}
	if a.AGCFloor > 0 {
		base.AGCFloor = a.AGCFloor
	}
	if a.Attack > 0 {
		base.Attack = a.Attack
	}
	if a.Release > 0 {
		base.Release = a.Release
	}
	return base, nil
}

// LoadConfig loads configuration from the YAML file at path. If path is
// empty it searches default locations ("config.yaml", "lumen.yaml"); if
// no file is found the built-in defaults are used. Environment overrides
// apply after the file, then Validate runs on the result.
func LoadConfig(path string) (*Config, error) {
	cfg := Config{
		LogLevel: "info",
		Audio: AudioConfig{
			InputDevice:     MinDeviceID,
			SampleRate:      44100,
			FramesPerBuffer: 1024,
			Channels:        1,
			LowLatency:      true,
			FFTWindow:       "hann",
		},
		Analysis: AnalysisConfig{
			Preset: "default",
		},
		Beat: BeatConfig{
			ThresholdMultiplier: 1.3,
			AbsoluteFloor:       0.15,
			CooldownTicks:       8,
			History:             60,
		},
		Link: LinkConfig{
			ServerURL:         "ws://127.0.0.1:8080/ws/source",
			FrameRate:         60,
			HeartbeatInterval: 5 * time.Second,
			MaxAttempts:       0, // retry forever
		},
		Recording: RecordingConfig{
			Enabled:   false,
			OutputDir: "./recordings",
		},
		Server: ServerConfig{
			ListenAddr:       ":8080",
			RenderTick:       33 * time.Millisecond,
			SubscriberQueue:  64,
			FrameRateLimit:   120,
			HeartbeatTimeout: 20 * time.Second,
			AuthWindow:       5 * time.Second,
			Pattern:          "pulse",
		},
		History: HistoryConfig{
			Enabled: false,
			Path:    "lumen-events.db",
		},
		Mirror: MirrorConfig{
			Enabled:  false,
			Target:   "127.0.0.1:9090",
			Interval: 33 * time.Millisecond,
		},
	}

	if path == "" {
		candidates := []string{"config.yaml", "lumen.yaml"}
		for _, candidate := range candidates {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
		if path == "" {
			cfg.applyEnvOverrides()
			if err := cfg.Validate(); err != nil {
				return nil, fmt.Errorf("invalid default configuration: %w", err)
			}
			return &cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment overrides apply AFTER the file.
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate sanity-checks the merged configuration. It checks values, not
// roles: a config used only for serve still validates its cast sections
// because defaults for those are always valid.
func (c *Config) Validate() error {
	if c.Audio.SampleRate <= 0 {
		return fmt.Errorf("audio.sample_rate must be positive, got %f", c.Audio.SampleRate)
	}
	if !bitint.IsPowerOfTwo(c.Audio.FramesPerBuffer) {
		return fmt.Errorf("audio.frames_per_buffer must be a power of 2, got %d", c.Audio.FramesPerBuffer)
	}
	if c.Audio.Channels != 1 && c.Audio.Channels != 2 {
		return fmt.Errorf("audio.channels must be 1 or 2, got %d", c.Audio.Channels)
	}
	if _, err := c.Analysis.Resolved(); err != nil {
		return err
	}
	if c.Beat.ThresholdMultiplier <= 1 {
		return fmt.Errorf("beat.threshold_multiplier must exceed 1, got %f", c.Beat.ThresholdMultiplier)
	}
	if c.Beat.History < 8 {
		return fmt.Errorf("beat.history must be at least 8 samples, got %d", c.Beat.History)
	}
	if c.Beat.CooldownTicks < 0 {
		return fmt.Errorf("beat.cooldown_ticks must not be negative, got %d", c.Beat.CooldownTicks)
	}
	if c.Link.FrameRate < 1 || c.Link.FrameRate > 240 {
		return fmt.Errorf("link.frame_rate must be within [1,240], got %d", c.Link.FrameRate)
	}
	if c.Link.HeartbeatInterval <= 0 {
		return fmt.Errorf("link.heartbeat_interval must be positive, got %s", c.Link.HeartbeatInterval)
	}
	if c.Server.RenderTick <= 0 {
		return fmt.Errorf("server.render_tick must be positive, got %s", c.Server.RenderTick)
	}
	if c.Server.SubscriberQueue < 1 {
		return fmt.Errorf("server.subscriber_queue must be at least 1, got %d", c.Server.SubscriberQueue)
	}
	if c.Server.AuthWindow <= 0 {
		return fmt.Errorf("server.auth_window must be positive, got %s", c.Server.AuthWindow)
	}
	return nil
}

// applyEnvOverrides layers LUMEN_* environment variables over the loaded
// configuration. Only the knobs that differ per deployment get an env
// hook; everything else belongs in the file.
func (cfg *Config) applyEnvOverrides() {
	if val, ok := os.LookupEnv("LUMEN_LOG_LEVEL"); ok {
		cfg.LogLevel = val
	}
	if val, ok := os.LookupEnv("LUMEN_SERVER_URL"); ok {
		cfg.Link.ServerURL = val
	}
	if val, ok := os.LookupEnv("LUMEN_CONNECT_CODE"); ok {
		cfg.Link.ConnectCode = val
	}
	if val, ok := os.LookupEnv("LUMEN_SOURCE_ID"); ok {
		cfg.Link.SourceID = val
	}
	if val, ok := os.LookupEnv("LUMEN_SOURCE_KEY"); ok {
		cfg.Link.SourceKey = val
	}
	if val, ok := os.LookupEnv("LUMEN_LISTEN_ADDR"); ok {
		cfg.Server.ListenAddr = val
	}
	if val, ok := os.LookupEnv("LUMEN_ADMIN_TOKEN"); ok {
		cfg.Server.AdminToken = val
	}
	if val, ok := os.LookupEnv("LUMEN_HISTORY_ENABLED"); ok {
		if bVal, err := strconv.ParseBool(val); err == nil {
			cfg.History.Enabled = bVal
		}
	}
	if val, ok := os.LookupEnv("LUMEN_HISTORY_PATH"); ok {
		cfg.History.Path = val
	}
	if val, ok := os.LookupEnv("LUMEN_MIRROR_TARGET"); ok {
		cfg.Mirror.Target = val
	}
}
