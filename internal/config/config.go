// Package config loads and validates the application configuration via
// viper: a yaml file, NETVOLVE_* environment variables and CLI flag
// overrides, in that order of precedence.
package config

import (
	"fmt"
	"strings"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config is the whole application configuration.
type Config struct {
	Logger LoggerConfig `mapstructure:"logger" yaml:"logger"`
	Engine EngineConfig `mapstructure:"engine" yaml:"engine"`
	Output OutputConfig `mapstructure:"output" yaml:"output"`
}

// LoggerConfig selects encoder, level and the optional rotated file sink.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"` // console|json
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`

	LogFile    string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"` // megabytes
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"` // days
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// EngineConfig bounds the worker pool and paces the step loop.
type EngineConfig struct {
	// Threads caps concurrently running experiments; 0 selects the
	// machine's ideal parallelism.
	Threads int `mapstructure:"threads" yaml:"threads"`

	// StepDelayMs is the default delay between trial steps.
	StepDelayMs int `mapstructure:"step_delay_ms" yaml:"step_delay_ms"`
}

// OutputConfig is the output section of the configuration. Dir is loaded
// with its default but no component reads it: an experiment whose outDir
// input is empty writes its trial files relative to the working directory.
type OutputConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// Defaults returns the configuration used when no file or env override is
// present.
func Defaults() Config {
	return Config{
		Logger: LoggerConfig{
			Level:       "info",
			Format:      "console",
			ServiceName: "netvolve",
			MaxSize:     50,
			MaxBackups:  3,
			MaxAge:      14,
		},
		Engine: EngineConfig{Threads: 0, StepDelayMs: 0},
		Output: OutputConfig{Dir: "."},
	}
}

// Load reads the configuration. cfgFile may be empty, in which case
// config.yaml is searched in the working directory and the user's home.
func Load(cfgFile string) (Config, error) {
	v := viper.New()

	def := Defaults()
	v.SetDefault("logger.level", def.Logger.Level)
	v.SetDefault("logger.format", def.Logger.Format)
	v.SetDefault("logger.service_name", def.Logger.ServiceName)
	v.SetDefault("logger.max_size", def.Logger.MaxSize)
	v.SetDefault("logger.max_backups", def.Logger.MaxBackups)
	v.SetDefault("logger.max_age", def.Logger.MaxAge)
	v.SetDefault("engine.threads", def.Engine.Threads)
	v.SetDefault("engine.step_delay_ms", def.Engine.StepDelayMs)
	v.SetDefault("output.dir", def.Output.Dir)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		if home, err := homedir.Dir(); err == nil {
			v.AddConfigPath(home)
		}
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("NETVOLVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
		// no config file: defaults plus env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot honour.
func (c Config) Validate() error {
	switch c.Logger.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logger.format must be console or json, got %q", c.Logger.Format)
	}
	if c.Engine.Threads < 0 {
		return fmt.Errorf("engine.threads must be >= 0, got %d", c.Engine.Threads)
	}
	if c.Engine.StepDelayMs < 0 {
		return fmt.Errorf("engine.step_delay_ms must be >= 0, got %d", c.Engine.StepDelayMs)
	}
	return nil
}
