package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is read from defaults, then an optional dotenv file, then the
// process environment. Keys are the lower-cased environment variable names.
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`
	LogLevel   string `mapstructure:"log_level"`
	LogFormat  string `mapstructure:"log_format"`

	DeviceToken      string `mapstructure:"esp_authorization_token"`
	APITokenList     string `mapstructure:"api_authorization_token_list"`
	UpdateToken      string `mapstructure:"update_authorization_token"`
	JWTPublicKeyPath string `mapstructure:"jwt_public_key_path"`

	EventLogPath     string `mapstructure:"event_log_path"`
	EventLogMaxBytes int64  `mapstructure:"event_log_max_bytes"`

	FirmwarePath            string        `mapstructure:"firmware_path"`
	FirmwareChunkSize       int           `mapstructure:"firmware_chunk_size"`
	FirmwarePacing          time.Duration `mapstructure:"firmware_pacing"`
	FirmwareAwaitAck        bool          `mapstructure:"firmware_await_ack"`
	FirmwareAckTimeout      time.Duration `mapstructure:"firmware_ack_timeout"`
	FirmwareTransferTimeout time.Duration `mapstructure:"firmware_transfer_timeout"`

	DeviceWriteTimeout time.Duration `mapstructure:"device_write_timeout"`
	DevicePingInterval time.Duration `mapstructure:"device_ping_interval"`

	RedisAddr      string  `mapstructure:"redis_addr"`
	RedisPassword  string  `mapstructure:"redis_password"`
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`

	MQTTBrokerURL   string `mapstructure:"mqtt_broker_url"`
	MQTTClientID    string `mapstructure:"mqtt_client_id"`
	MQTTStatusTopic string `mapstructure:"mqtt_status_topic"`

	CORSAllowedOrigins string `mapstructure:"cors_allowed_origins"`
	OTLPEndpoint       string `mapstructure:"otel_exporter_otlp_endpoint"`
}

var defaults = map[string]any{
	"listen_addr":                  ":8000",
	"log_level":                    "info",
	"log_format":                   "text",
	"esp_authorization_token":      "",
	"api_authorization_token_list": "",
	"update_authorization_token":   "",
	"jwt_public_key_path":          "",
	"event_log_path":               "data/log.txt",
	"event_log_max_bytes":          int64(100 * 1024 * 1024),
	"firmware_path":                "data/firmware.bin",
	"firmware_chunk_size":          4096,
	"firmware_pacing":              "200ms",
	"firmware_await_ack":           false,
	"firmware_ack_timeout":         "10s",
	"firmware_transfer_timeout":    "10m",
	"device_write_timeout":         "10s",
	"device_ping_interval":         "0s",
	"redis_addr":                   "",
	"redis_password":               "",
	"rate_limit_rps":               1.0,
	"rate_limit_burst":             5,
	"mqtt_broker_url":              "",
	"mqtt_client_id":               "door-relay",
	"mqtt_status_topic":            "homenavi/door-relay/status",
	"cors_allowed_origins":         "",
	"otel_exporter_otlp_endpoint":  "",
}

// Load reads envFile if it exists. A missing file is not an error; the
// process environment alone may carry the configuration.
func Load(envFile string) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()

	if envFile != "" {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DeviceToken) == "" {
		errs = append(errs, errors.New("ESP_AUTHORIZATION_TOKEN is required"))
	}
	if len(c.APITokens()) == 0 {
		errs = append(errs, errors.New("API_AUTHORIZATION_TOKEN_LIST must name at least one token"))
	}
	if c.FirmwareChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("FIRMWARE_CHUNK_SIZE must be positive, got %d", c.FirmwareChunkSize))
	}
	if c.FirmwarePacing < 0 {
		errs = append(errs, fmt.Errorf("FIRMWARE_PACING must not be negative, got %s", c.FirmwarePacing))
	}
	if c.EventLogMaxBytes <= 0 {
		errs = append(errs, fmt.Errorf("EVENT_LOG_MAX_BYTES must be positive, got %d", c.EventLogMaxBytes))
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive"))
	}
	return errors.Join(errs...)
}

// APITokens splits the comma-separated caller token list.
func (c *Config) APITokens() []string {
	var out []string
	for _, t := range strings.Split(c.APITokenList, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func (c *Config) CORSOrigins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
