package config

import (
	"flag"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/drawbridge-app/drawbridge/internal/slogging"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	Room      RoomConfig      `yaml:"room"`
	Presence  PresenceConfig  `yaml:"presence"`
	Outbox    OutboxConfig    `yaml:"outbox"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string        `yaml:"port" env:"SERVER_PORT"`
	Interface    string        `yaml:"interface" env:"SERVER_INTERFACE"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" env:"SERVER_IDLE_TIMEOUT"`
	TLSEnabled   bool          `yaml:"tls_enabled" env:"SERVER_TLS_ENABLED"`
	TLSCertFile  string        `yaml:"tls_cert_file" env:"SERVER_TLS_CERT_FILE"`
	TLSKeyFile   string        `yaml:"tls_key_file" env:"SERVER_TLS_KEY_FILE"`
}

// RedisConfig holds Redis configuration for the edit outbox
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST"`
	Port     string `yaml:"port" env:"REDIS_PORT"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
}

// Addr returns the host:port address for the Redis client
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig holds JWT validation configuration. Tokens are issued by the
// Drawbridge auth service; this server only validates them.
type JWTConfig struct {
	Secret        string `yaml:"secret" env:"JWT_SECRET"`
	SigningMethod string `yaml:"signing_method" env:"JWT_SIGNING_METHOD"`
}

// RoomConfig holds collaboration room and websocket tuning
type RoomConfig struct {
	EmptyGracePeriodSeconds  int   `yaml:"empty_grace_period_seconds" env:"ROOM_EMPTY_GRACE_PERIOD_SECONDS"`
	InactivityTimeoutSeconds int   `yaml:"inactivity_timeout_seconds" env:"ROOM_INACTIVITY_TIMEOUT_SECONDS"`
	CleanupIntervalSeconds   int   `yaml:"cleanup_interval_seconds" env:"ROOM_CLEANUP_INTERVAL_SECONDS"`
	SendBufferSize           int   `yaml:"send_buffer_size" env:"ROOM_SEND_BUFFER_SIZE"`
	MaxMessageBytes          int64 `yaml:"max_message_bytes" env:"ROOM_MAX_MESSAGE_BYTES"`
	PongWaitSeconds          int   `yaml:"pong_wait_seconds" env:"ROOM_PONG_WAIT_SECONDS"`
	PingIntervalSeconds      int   `yaml:"ping_interval_seconds" env:"ROOM_PING_INTERVAL_SECONDS"`
	WriteTimeoutSeconds      int   `yaml:"write_timeout_seconds" env:"ROOM_WRITE_TIMEOUT_SECONDS"`
}

// PresenceConfig holds presence sweep tuning
type PresenceConfig struct {
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds" env:"PRESENCE_SWEEP_INTERVAL_SECONDS"`
	IdleThresholdSeconds int `yaml:"idle_threshold_seconds" env:"PRESENCE_IDLE_THRESHOLD_SECONDS"`
}

// OutboxConfig holds the diagram-storage edit outbox configuration
type OutboxConfig struct {
	Enabled      bool   `yaml:"enabled" env:"OUTBOX_ENABLED"`
	StreamPrefix string `yaml:"stream_prefix" env:"OUTBOX_STREAM_PREFIX"`
	BufferSize   int    `yaml:"buffer_size" env:"OUTBOX_BUFFER_SIZE"`
	MaxStreamLen int64  `yaml:"max_stream_len" env:"OUTBOX_MAX_STREAM_LEN"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level" env:"LOGGING_LEVEL"`
	IsDev            bool   `yaml:"is_dev" env:"LOGGING_IS_DEV"`
	IsTest           bool   `yaml:"is_test" env:"LOGGING_IS_TEST"`
	LogDir           string `yaml:"log_dir" env:"LOGGING_LOG_DIR"`
	MaxAgeDays       int    `yaml:"max_age_days" env:"LOGGING_MAX_AGE_DAYS"`
	MaxSizeMB        int    `yaml:"max_size_mb" env:"LOGGING_MAX_SIZE_MB"`
	MaxBackups       int    `yaml:"max_backups" env:"LOGGING_MAX_BACKUPS"`
	AlsoLogToConsole bool   `yaml:"also_log_to_console" env:"LOGGING_ALSO_LOG_TO_CONSOLE"`
	// Enhanced debug logging options
	LogWebSocketMsg             bool `yaml:"log_websocket_messages" env:"LOGGING_LOG_WEBSOCKET_MESSAGES"`
	RedactAuthTokens            bool `yaml:"redact_auth_tokens" env:"LOGGING_REDACT_AUTH_TOKENS"`
	SuppressUnauthenticatedLogs bool `yaml:"suppress_unauthenticated_logs" env:"LOGGING_SUPPRESS_UNAUTH_LOGS"`
}

// TelemetryConfig holds OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled           bool    `yaml:"enabled" env:"TELEMETRY_ENABLED"`
	ServiceName       string  `yaml:"service_name" env:"TELEMETRY_SERVICE_NAME"`
	ServiceVersion    string  `yaml:"service_version" env:"TELEMETRY_SERVICE_VERSION"`
	Environment       string  `yaml:"environment" env:"TELEMETRY_ENVIRONMENT"`
	TracingEnabled    bool    `yaml:"tracing_enabled" env:"TELEMETRY_TRACING_ENABLED"`
	TracingSampleRate float64 `yaml:"tracing_sample_rate" env:"TELEMETRY_TRACING_SAMPLE_RATE"`
}

// Load loads configuration from YAML file with environment variable overrides
func Load(configFile string) (*Config, error) {
	config := getDefaultConfig()

	// Load from YAML file if provided
	if configFile != "" {
		if err := loadFromYAML(config, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config from YAML: %w", err)
		}
	}

	// Override with environment variables
	if err := overrideWithEnv(config); err != nil {
		return nil, fmt.Errorf("failed to override with environment variables: %w", err)
	}

	// Validate configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// getDefaultConfig returns a configuration with default values
func getDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         "8080",
			Interface:    "0.0.0.0",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
			TLSEnabled:   false,
			TLSCertFile:  "",
			TLSKeyFile:   "",
		},
		Redis: RedisConfig{
			Host:     "localhost",
			Port:     "6379",
			Password: "",
			DB:       0,
		},
		Auth: AuthConfig{
			JWT: JWTConfig{
				Secret:        "",
				SigningMethod: "HS256",
			},
		},
		Room: RoomConfig{
			EmptyGracePeriodSeconds:  30,
			InactivityTimeoutSeconds: 900, // 15 minutes default
			CleanupIntervalSeconds:   15,
			SendBufferSize:           256,
			MaxMessageBytes:          64 * 1024,
			PongWaitSeconds:          60,
			PingIntervalSeconds:      30,
			WriteTimeoutSeconds:      10,
		},
		Presence: PresenceConfig{
			SweepIntervalSeconds: 60,
			IdleThresholdSeconds: 300, // 5 minutes default
		},
		Outbox: OutboxConfig{
			Enabled:      true,
			StreamPrefix: "collab:edits",
			BufferSize:   1024,
			MaxStreamLen: 10000,
		},
		Logging: LoggingConfig{
			Level:                       "info",
			IsDev:                       true,
			IsTest:                      false,
			LogDir:                      "logs",
			MaxAgeDays:                  7,
			MaxSizeMB:                   100,
			MaxBackups:                  10,
			AlsoLogToConsole:            true,
			LogWebSocketMsg:             false,
			RedactAuthTokens:            true,
			SuppressUnauthenticatedLogs: true,
		},
		Telemetry: TelemetryConfig{
			Enabled:           false,
			ServiceName:       "drawbridge-collab",
			ServiceVersion:    "1.0.0",
			Environment:       "development",
			TracingEnabled:    false,
			TracingSampleRate: 1.0,
		},
	}
}

// loadFromYAML loads configuration from a YAML file
func loadFromYAML(config *Config, filename string) error {
	data, err := os.ReadFile(filename) // #nosec G304
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}

	return nil
}

// overrideWithEnv overrides configuration values with environment variables
func overrideWithEnv(config *Config) error {
	return overrideStructWithEnv(reflect.ValueOf(config).Elem())
}

// overrideStructWithEnv recursively overrides struct fields with environment variables
func overrideStructWithEnv(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		// Skip unexported fields
		if !field.CanSet() {
			continue
		}

		// Handle nested structs
		if field.Kind() == reflect.Struct {
			if err := overrideStructWithEnv(field); err != nil {
				return err
			}
			continue
		}

		// Get environment variable name from tag
		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}

		// Get environment variable value
		envValue := os.Getenv(envTag)
		if envValue == "" {
			continue
		}

		// Set field value based on type
		if err := setFieldFromString(field, envValue); err != nil {
			return fmt.Errorf("failed to set field %s from env %s: %w", fieldType.Name, envTag, err)
		}
	}

	return nil
}

// setFieldFromString sets a struct field value from a string based on the field type
func setFieldFromString(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		boolVal, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid bool value: %s", value)
		}
		field.SetBool(boolVal)
	case reflect.Int:
		intVal, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid int value: %s", value)
		}
		field.SetInt(int64(intVal))
	case reflect.Float64:
		floatVal, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid float value: %s", value)
		}
		field.SetFloat(floatVal)
	case reflect.Int64:
		// Handle time.Duration specially
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			duration, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration value: %s", value)
			}
			field.SetInt(int64(duration))
		} else {
			intVal, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid int64 value: %s", value)
			}
			field.SetInt(intVal)
		}
	case reflect.Slice:
		// Handle string slices (comma-separated values)
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			slice := make([]string, 0, len(parts))
			for _, part := range parts {
				trimmed := strings.TrimSpace(part)
				if trimmed != "" {
					slice = append(slice, trimmed)
				}
			}
			field.Set(reflect.ValueOf(slice))
		} else {
			return fmt.Errorf("unsupported slice type: %s", field.Type().Elem().Kind())
		}
	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate server configuration
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.TLSEnabled {
		if c.Server.TLSCertFile == "" || c.Server.TLSKeyFile == "" {
			return fmt.Errorf("tls cert and key files are required when tls is enabled")
		}
	}

	// Validate JWT configuration
	if c.Auth.JWT.Secret == "" {
		return fmt.Errorf("jwt secret is required")
	}
	if c.Auth.JWT.SigningMethod != "HS256" {
		return fmt.Errorf("unsupported jwt signing method: %s", c.Auth.JWT.SigningMethod)
	}

	// Validate room configuration
	if c.Room.EmptyGracePeriodSeconds < 0 {
		return fmt.Errorf("room empty grace period must not be negative")
	}
	if c.Room.InactivityTimeoutSeconds < 15 {
		return fmt.Errorf("room inactivity timeout must be at least 15 seconds")
	}
	if c.Room.CleanupIntervalSeconds <= 0 {
		return fmt.Errorf("room cleanup interval must be greater than 0")
	}
	if c.Room.SendBufferSize <= 0 {
		return fmt.Errorf("room send buffer size must be greater than 0")
	}
	if c.Room.MaxMessageBytes <= 0 {
		return fmt.Errorf("room max message bytes must be greater than 0")
	}
	if c.Room.PingIntervalSeconds <= 0 {
		return fmt.Errorf("room ping interval must be greater than 0")
	}
	if c.Room.PongWaitSeconds <= c.Room.PingIntervalSeconds {
		return fmt.Errorf("room pong wait must be greater than the ping interval")
	}
	if c.Room.WriteTimeoutSeconds <= 0 {
		return fmt.Errorf("room write timeout must be greater than 0")
	}

	// Validate presence configuration
	if c.Presence.SweepIntervalSeconds <= 0 {
		return fmt.Errorf("presence sweep interval must be greater than 0")
	}
	if c.Presence.IdleThresholdSeconds <= 0 {
		return fmt.Errorf("presence idle threshold must be greater than 0")
	}

	// Validate outbox configuration
	if c.Outbox.Enabled {
		if c.Redis.Host == "" {
			return fmt.Errorf("redis host is required when the outbox is enabled")
		}
		if c.Redis.Port == "" {
			return fmt.Errorf("redis port is required when the outbox is enabled")
		}
		if c.Outbox.StreamPrefix == "" {
			return fmt.Errorf("outbox stream prefix is required when the outbox is enabled")
		}
		if c.Outbox.BufferSize <= 0 {
			return fmt.Errorf("outbox buffer size must be greater than 0")
		}
	}

	return nil
}

// IsTestMode returns true if running in test mode
func (c *Config) IsTestMode() bool {
	return c.Logging.IsTest || isRunningInTest()
}

// isRunningInTest detects if we're running under 'go test'
func isRunningInTest() bool {
	return flag.Lookup("test.v") != nil
}

// GetLogLevel returns the parsed log level
func (c *Config) GetLogLevel() slogging.LogLevel {
	return slogging.ParseLogLevel(c.Logging.Level)
}

// GetEmptyGracePeriod returns the empty-room grace period duration
func (c *Config) GetEmptyGracePeriod() time.Duration {
	return time.Duration(c.Room.EmptyGracePeriodSeconds) * time.Second
}

// GetInactivityTimeout returns the room inactivity timeout duration
func (c *Config) GetInactivityTimeout() time.Duration {
	return time.Duration(c.Room.InactivityTimeoutSeconds) * time.Second
}

// GetCleanupInterval returns the room cleanup ticker interval
func (c *Config) GetCleanupInterval() time.Duration {
	return time.Duration(c.Room.CleanupIntervalSeconds) * time.Second
}

// GetPongWait returns the websocket pong wait duration
func (c *Config) GetPongWait() time.Duration {
	return time.Duration(c.Room.PongWaitSeconds) * time.Second
}

// GetPingInterval returns the websocket ping interval duration
func (c *Config) GetPingInterval() time.Duration {
	return time.Duration(c.Room.PingIntervalSeconds) * time.Second
}

// GetWriteTimeout returns the websocket write timeout duration
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.Room.WriteTimeoutSeconds) * time.Second
}

// GetSweepInterval returns the presence sweep interval duration
func (c *Config) GetSweepInterval() time.Duration {
	return time.Duration(c.Presence.SweepIntervalSeconds) * time.Second
}

// GetIdleThreshold returns the presence idle threshold duration
func (c *Config) GetIdleThreshold() time.Duration {
	return time.Duration(c.Presence.IdleThresholdSeconds) * time.Second
}
