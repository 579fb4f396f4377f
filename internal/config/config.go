package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"image-batch-go/internal/compressor"
	"image-batch-go/internal/logger"
	"image-batch-go/internal/transfer"
)

const envPrefix = "IMAGE_BATCH"

// Config represents the main configuration structure
type Config struct {
	Service     ServiceConfig       `mapstructure:"service"`
	Compression compressor.Settings `mapstructure:"compression"`
	Web         WebConfig           `mapstructure:"web"`
	Logging     LoggingConfig       `mapstructure:"logging"`
}

// ServiceConfig describes the remote compression service.
type ServiceConfig struct {
	BaseURL          string        `mapstructure:"base_url" validate:"required,url"`
	Timeout          time.Duration `mapstructure:"timeout" validate:"gt=0"`
	MaxResponseBytes int64         `mapstructure:"max_response_bytes" validate:"gt=0"`
}

// WebConfig contains web adapter settings
type WebConfig struct {
	Port int `mapstructure:"port" validate:"min=1,max=65535"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `mapstructure:"level" validate:"oneof=debug info warn warning error"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size" validate:"gte=0"` // MB
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
	MaxAge     int    `mapstructure:"max_age" validate:"gte=0"` // days
	Compress   bool   `mapstructure:"compress"`
	Console    bool   `mapstructure:"console"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	lc := logger.DefaultConfig()
	return &Config{
		Service: ServiceConfig{
			BaseURL:          "http://localhost:5000",
			Timeout:          transfer.DefaultTimeout,
			MaxResponseBytes: transfer.DefaultMaxResponseBytes,
		},
		Compression: compressor.DefaultSettings(),
		Web: WebConfig{
			Port: 8080,
		},
		Logging: LoggingConfig{
			Level:      lc.Level,
			FilePath:   lc.FilePath,
			MaxSize:    lc.MaxSize,
			MaxBackups: lc.MaxBackups,
			MaxAge:     lc.MaxAge,
			Compress:   lc.Compress,
			Console:    lc.Console,
		},
	}
}

// LoadConfig loads configuration from .env, the config file and environment
// variables, in increasing order of precedence.
func LoadConfig(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error reading .env: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Look for config file in current directory and home directory
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.image-batch")
		v.AddConfigPath("/etc/image-batch")
	}

	setDefaults(v, DefaultConfig())

	// Enable environment variable support
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("service.base_url", d.Service.BaseURL)
	v.SetDefault("service.timeout", d.Service.Timeout)
	v.SetDefault("service.max_response_bytes", d.Service.MaxResponseBytes)
	v.SetDefault("compression.quality", d.Compression.Quality)
	v.SetDefault("compression.format", string(d.Compression.Format))
	v.SetDefault("web.port", d.Web.Port)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.file_path", d.Logging.FilePath)
	v.SetDefault("logging.max_size", d.Logging.MaxSize)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age", d.Logging.MaxAge)
	v.SetDefault("logging.compress", d.Logging.Compress)
	v.SetDefault("logging.console", d.Logging.Console)
}

// Validate validates and normalizes the configuration
func (c *Config) Validate() error {
	c.Logging.Level = strings.ToLower(c.Logging.Level)
	format, err := compressor.ParseFormat(string(c.Compression.Format))
	if err != nil {
		return err
	}
	c.Compression.Format = format
	if err := c.Compression.Validate(); err != nil {
		return err
	}

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid %s: %v (rule %s)", fe.Namespace(), fe.Value(), fe.Tag())
		}
		return err
	}

	u, err := url.Parse(c.Service.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid service.base_url: %s (want http or https)", c.Service.BaseURL)
	}
	return nil
}

// TransferOptions returns the HTTP client options for the configured service.
func (c *Config) TransferOptions() transfer.Options {
	return transfer.Options{
		BaseURL:          c.Service.BaseURL,
		Timeout:          c.Service.Timeout,
		MaxResponseBytes: c.Service.MaxResponseBytes,
	}
}

// LoggerConfig maps the logging section onto the logger package.
func (c *Config) LoggerConfig() logger.LoggerConfig {
	return logger.LoggerConfig{
		Level:      c.Logging.Level,
		FilePath:   c.Logging.FilePath,
		MaxSize:    c.Logging.MaxSize,
		MaxBackups: c.Logging.MaxBackups,
		MaxAge:     c.Logging.MaxAge,
		Compress:   c.Logging.Compress,
		Console:    c.Logging.Console,
	}
}
