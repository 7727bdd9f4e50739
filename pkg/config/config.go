package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	HttpPort     int           `mapstructure:"httpPort"`
	DebugYn      string        `mapstructure:"debugYn"`
	SendMode     string        `mapstructure:"sendMode"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`

	TargetFrameRate int     `mapstructure:"targetFrameRate"`
	ScaleFactor     float64 `mapstructure:"scaleFactor"`
	ResizeFilter    string  `mapstructure:"resizeFilter"`
	InitialQuality  int     `mapstructure:"initialQuality"`
	MinQuality      int     `mapstructure:"minQuality"`
	MaxQuality      int     `mapstructure:"maxQuality"`
	QualityStep     int     `mapstructure:"qualityStep"`

	AdjustWindow  time.Duration `mapstructure:"adjustWindow"`
	LowWatermark  float64       `mapstructure:"lowWatermark"`
	HighWatermark float64       `mapstructure:"highWatermark"`
	EmptyBackoff  time.Duration `mapstructure:"emptyBackoff"`
	FaultBackoff  time.Duration `mapstructure:"faultBackoff"`

	FetchTimeout      time.Duration `mapstructure:"fetchTimeout"`
	OpenTimeout       time.Duration `mapstructure:"openTimeout"`
	CloseTimeout      time.Duration `mapstructure:"closeTimeout"`
	CaptureBufferSize int           `mapstructure:"captureBufferSize"`
	DrainGrabs        int           `mapstructure:"drainGrabs"`
	RtspTransport     string        `mapstructure:"rtspTransport"`
}

const (
	SendModeText   = "text"
	SendModeBinary = "binary"
)

var ErrInvalid = errors.New("invalid configuration")

func setDefaults(v *viper.Viper) {
	v.SetDefault("httpPort", 8000)
	v.SetDefault("debugYn", "N")
	v.SetDefault("sendMode", SendModeText)
	v.SetDefault("writeTimeout", 5*time.Second)

	v.SetDefault("targetFrameRate", 25)
	v.SetDefault("scaleFactor", 0.6)
	v.SetDefault("resizeFilter", "bilinear")
	v.SetDefault("initialQuality", 65)
	v.SetDefault("minQuality", 40)
	v.SetDefault("maxQuality", 80)
	v.SetDefault("qualityStep", 5)

	v.SetDefault("adjustWindow", 2*time.Second)
	v.SetDefault("lowWatermark", 0.8)
	v.SetDefault("highWatermark", 1.2)
	v.SetDefault("emptyBackoff", 10*time.Millisecond)
	v.SetDefault("faultBackoff", time.Second)

	v.SetDefault("fetchTimeout", 5*time.Second)
	v.SetDefault("openTimeout", 15*time.Second)
	v.SetDefault("closeTimeout", 5*time.Second)
	v.SetDefault("captureBufferSize", 1)
	v.SetDefault("drainGrabs", 1)
	v.SetDefault("rtspTransport", "tcp")
}

// Flags registers the command-line overrides understood by LoadConfig.
func Flags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to config.yaml")
	fs.Int("port", 0, "http listen port (overrides httpPort)")
	fs.Bool("debug", false, "enable per-frame debug logging")
}

// LoadConfig reads config.yaml from the working directory (or the --config
// flag), applies RELAY_* environment overrides and validates the result.
// A missing config file is not an error; defaults apply.
func LoadConfig(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.SetEnvPrefix("relay")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if path, _ := fs.GetString("config"); path != "" {
			v.SetConfigFile(path)
		}
		if f := fs.Lookup("port"); f != nil && f.Changed {
			if err := v.BindPFlag("httpPort", f); err != nil {
				return nil, err
			}
		}
		if debug, _ := fs.GetBool("debug"); debug {
			v.Set("debugYn", "Y")
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.HttpPort <= 0 || c.HttpPort > 65535:
		return fmt.Errorf("%w: httpPort %d", ErrInvalid, c.HttpPort)
	case c.SendMode != SendModeText && c.SendMode != SendModeBinary:
		return fmt.Errorf("%w: sendMode %q", ErrInvalid, c.SendMode)
	case c.TargetFrameRate <= 0:
		return fmt.Errorf("%w: targetFrameRate %d", ErrInvalid, c.TargetFrameRate)
	case c.ScaleFactor <= 0 || c.ScaleFactor > 1:
		return fmt.Errorf("%w: scaleFactor %v must be in (0,1]", ErrInvalid, c.ScaleFactor)
	case c.ResizeFilter != "bilinear" && c.ResizeFilter != "nearest":
		return fmt.Errorf("%w: resizeFilter %q", ErrInvalid, c.ResizeFilter)
	case c.MinQuality < 1 || c.MaxQuality > 100 || c.MinQuality > c.MaxQuality:
		return fmt.Errorf("%w: quality bounds [%d,%d]", ErrInvalid, c.MinQuality, c.MaxQuality)
	case c.InitialQuality < c.MinQuality || c.InitialQuality > c.MaxQuality:
		return fmt.Errorf("%w: initialQuality %d outside [%d,%d]", ErrInvalid, c.InitialQuality, c.MinQuality, c.MaxQuality)
	case c.QualityStep <= 0:
		return fmt.Errorf("%w: qualityStep %d", ErrInvalid, c.QualityStep)
	case c.AdjustWindow <= 0:
		return fmt.Errorf("%w: adjustWindow %v", ErrInvalid, c.AdjustWindow)
	case c.LowWatermark <= 0 || c.HighWatermark <= c.LowWatermark:
		return fmt.Errorf("%w: watermarks %v/%v", ErrInvalid, c.LowWatermark, c.HighWatermark)
	case c.DrainGrabs < 0:
		return fmt.Errorf("%w: drainGrabs %d", ErrInvalid, c.DrainGrabs)
	case c.RtspTransport != "tcp" && c.RtspTransport != "udp":
		return fmt.Errorf("%w: rtspTransport %q", ErrInvalid, c.RtspTransport)
	}
	return nil
}

func (c *Config) Debug() bool {
	return c.DebugYn == "Y"
}
