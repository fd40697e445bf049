package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string `mapstructure:"mode" validate:"oneof=debug release test"`
	Port       int    `mapstructure:"port" validate:"min=1,max=65535"`
	StaticPath string `mapstructure:"static_path" validate:"required"`
	Secret     string `mapstructure:"secret" validate:"required,min=16"`
	LogLevel   string `mapstructure:"log_level" validate:"oneof=trace debug info warn error"`

	Signal    SignalConfig    `mapstructure:"signal"`
	Audio     AudioConfig     `mapstructure:"audio"`
	Call      CallConfig      `mapstructure:"call"`
	Injection InjectionConfig `mapstructure:"injection"`
	Logs      LogsConfig      `mapstructure:"logs"`
}

type SignalConfig struct {
	URL            string        `mapstructure:"url" validate:"required,url"`
	ReadLimit      int64         `mapstructure:"read_limit" validate:"min=1024"`
	PingPeriod     time.Duration `mapstructure:"ping_period" validate:"min=1s"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"min=100ms"`
	Media          bool          `mapstructure:"media"`
	ICEServers     []string      `mapstructure:"ice_servers"`
}

type AudioConfig struct {
	MaxUploadBytes int64         `mapstructure:"max_upload_bytes" validate:"min=1"`
	ResumeTimeout  time.Duration `mapstructure:"resume_timeout" validate:"min=10ms"`
	Gain           float64       `mapstructure:"gain" validate:"gt=0,lte=4"`
}

type CallConfig struct {
	SettleDelay    time.Duration `mapstructure:"settle_delay" validate:"min=1ms"`
	DialRateLimit  int           `mapstructure:"dial_rate_limit" validate:"min=1"`
	DialRateWindow time.Duration `mapstructure:"dial_rate_window" validate:"min=1s"`
}

type InjectionConfig struct {
	InitialDelay     time.Duration `mapstructure:"initial_delay" validate:"min=0"`
	StepDelay        time.Duration `mapstructure:"step_delay" validate:"min=0"`
	MuteAttempts     int           `mapstructure:"mute_attempts" validate:"min=1,max=10"`
	MuteHold         time.Duration `mapstructure:"mute_hold" validate:"min=0"`
	MuteSettle       time.Duration `mapstructure:"mute_settle" validate:"min=0"`
	LocalPlayback    bool          `mapstructure:"local_playback"`
	PlaybackDuration time.Duration `mapstructure:"playback_duration" validate:"min=0"`
}

type LogsConfig struct {
	Capacity int `mapstructure:"capacity" validate:"min=10"`
}

func setDefault(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("secret", "calldub-dev-secret-change-me")
	v.SetDefault("log_level", "info")

	v.SetDefault("signal.url", "ws://127.0.0.1:9000/ws")
	v.SetDefault("signal.read_limit", 1<<20)
	v.SetDefault("signal.ping_period", "30s")
	v.SetDefault("signal.request_timeout", "10s")
	v.SetDefault("signal.media", false)
	v.SetDefault("signal.ice_servers", []string{"stun:stun.l.google.com:19302"})

	v.SetDefault("audio.max_upload_bytes", 20<<20)
	v.SetDefault("audio.resume_timeout", "2s")
	v.SetDefault("audio.gain", 1.0)

	v.SetDefault("call.settle_delay", "250ms")
	v.SetDefault("call.dial_rate_limit", 5)
	v.SetDefault("call.dial_rate_window", "1m")

	v.SetDefault("injection.initial_delay", "500ms")
	v.SetDefault("injection.step_delay", "1s")
	v.SetDefault("injection.mute_attempts", 3)
	v.SetDefault("injection.mute_hold", "1s")
	v.SetDefault("injection.mute_settle", "2s")
	v.SetDefault("injection.local_playback", true)
	v.SetDefault("injection.playback_duration", "3s")

	v.SetDefault("logs.capacity", 500)
}

// Load reads config/config.<CONFIG_ENV>.yaml (dev by default) over the
// defaults; CALLDUB_* variables override both, e.g. CALLDUB_SIGNAL_URL.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	v.SetConfigFile(fileName)

	setDefault(v)
	v.SetEnvPrefix("CALLDUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", fileName, err)
		}
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("static", cfg.StaticPath).
		Str("signal", cfg.Signal.URL).
		Msg("config ready")
	return &cfg, nil
}
