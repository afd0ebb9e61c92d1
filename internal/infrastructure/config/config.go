package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Grow Logic Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site        SiteConfig        `yaml:"site"`
	Database    DatabaseConfig    `yaml:"database"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	API         APIConfig         `yaml:"api"`
	WebSocket   WebSocketConfig   `yaml:"websocket"`
	InfluxDB    InfluxDBConfig    `yaml:"influxdb"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Logging     LoggingConfig     `yaml:"logging"`
	Security    SecurityConfig    `yaml:"security"`
	UnitsFile   string            `yaml:"units_file"`
	Actuators   ActuatorConfig    `yaml:"actuators"`
	Eligibility EligibilityConfig `yaml:"eligibility"`
	Irrigation  IrrigationConfig  `yaml:"irrigation"`
	Calibration CalibrationConfig `yaml:"calibration"`
}

// SiteConfig contains site-specific information.
type SiteConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Timezone string `yaml:"timezone"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// KafkaConfig controls the optional audit stream of eligibility traces and
// irrigation request transitions.
type KafkaConfig struct {
	Enabled          bool     `yaml:"enabled"`
	Brokers          []string `yaml:"brokers"`
	TraceTopic       string   `yaml:"trace_topic"`
	TransitionTopic  string   `yaml:"transition_topic"`
	WriteTimeoutSecs int      `yaml:"write_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT       JWTConfig        `yaml:"jwt"`
	Operators []OperatorConfig `yaml:"operators"`
}

// OperatorConfig declares a management API account. PasswordHash is an
// Argon2id PHC string; generate one with `growlogic -hash-password`.
type OperatorConfig struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
	Role         string `yaml:"role"`
}

// JWTConfig contains JWT token settings.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"` // minutes
	Issuer         string `yaml:"issuer"`
}

// ActuatorConfig controls the MQTT actuator driver.
type ActuatorConfig struct {
	// RequireAck makes commands wait for the gateway's acknowledgement.
	RequireAck bool `yaml:"require_ack"`
}

// EligibilityConfig tunes the per-pair evaluation loop.
type EligibilityConfig struct {
	// TickInterval is the evaluation period in seconds. Default: 60
	TickInterval int `yaml:"tick_interval"`

	// SensorTimeout bounds a single sensor lookup in seconds. Default: 5
	SensorTimeout int `yaml:"sensor_timeout"`

	// DriverTimeout bounds a SetState call for non-irrigation devices. Default: 10
	DriverTimeout int `yaml:"driver_timeout"`

	// MaxReadingAge is the age in seconds after which a reading counts as
	// unavailable. 0 disables the check. Default: 900
	MaxReadingAge int `yaml:"max_reading_age"`

	// CandidateBuffer is the capacity of the candidate channel. Default: 64
	CandidateBuffer int `yaml:"candidate_buffer"`
}

// IrrigationConfig tunes the approval workflow.
type IrrigationConfig struct {
	ApprovalTimeout     int     `yaml:"approval_timeout"` // minutes
	DefaultDelay        int     `yaml:"default_delay"`    // minutes
	MaxDelays           int     `yaml:"max_delays"`
	DriverRetries       int     `yaml:"driver_retries"`
	RetryBackoff        int     `yaml:"retry_backoff"`  // seconds, doubled per attempt
	DriverTimeout       int     `yaml:"driver_timeout"` // seconds, per attempt
	FeedbackDelay       int     `yaml:"feedback_delay"`   // minutes
	FeedbackTimeout     int     `yaml:"feedback_timeout"` // hours
	SweepInterval       int     `yaml:"sweep_interval"`   // seconds
	DefaultVolumeML     float64 `yaml:"default_volume_ml"`
	PredictorConfidence float64 `yaml:"predictor_confidence"`
	// ExpiryPolicy is "expire" or "auto_approve_low_risk".
	ExpiryPolicy     string  `yaml:"expiry_policy"`
	AutoApproveMaxML float64 `yaml:"auto_approve_max_ml"`
}

// CalibrationConfig tunes the pump flow-rate model.
type CalibrationConfig struct {
	DefaultDuration int     `yaml:"default_duration"` // seconds
	DefaultFlowRate float64 `yaml:"default_flow_rate"`
	SmoothingWeight float64 `yaml:"smoothing_weight"`
	MaxDeviation    float64 `yaml:"max_deviation"`
	HistoryLimit    int     `yaml:"history_limit"`
	FeedbackStep    float64 `yaml:"feedback_step"`
	SessionTimeout  int     `yaml:"session_timeout"` // minutes
	DriverTimeout   int     `yaml:"driver_timeout"`  // seconds
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: GROWLOGIC_SECTION_KEY
// For example: GROWLOGIC_DATABASE_PATH, GROWLOGIC_API_PORT
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:       "site-001",
			Name:     "Grow Logic",
			Timezone: "UTC",
		},
		Database: DatabaseConfig{
			Path:        "./data/growlogic.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "growlogic-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Kafka: KafkaConfig{
			TraceTopic:       "growlogic.eligibility.traces",
			TransitionTopic:  "growlogic.irrigation.transitions",
			WriteTimeoutSecs: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 15,
				Issuer:         "growlogic",
			},
		},
		UnitsFile: "configs/units.yaml",
		Eligibility: EligibilityConfig{
			TickInterval:    60,
			SensorTimeout:   5,
			DriverTimeout:   10,
			MaxReadingAge:   900,
			CandidateBuffer: 64,
		},
		Irrigation: IrrigationConfig{
			ApprovalTimeout:     30,
			DefaultDelay:        15,
			MaxDelays:           3,
			DriverRetries:       2,
			RetryBackoff:        2,
			DriverTimeout:       30,
			FeedbackDelay:       60,
			FeedbackTimeout:     24,
			SweepInterval:       15,
			DefaultVolumeML:     250,
			PredictorConfidence: 0.8,
			ExpiryPolicy:        "expire",
			AutoApproveMaxML:    100,
		},
		Calibration: CalibrationConfig{
			DefaultDuration: 10,
			DefaultFlowRate: 10,
			SmoothingWeight: 0.7,
			MaxDeviation:    3,
			HistoryLimit:    50,
			FeedbackStep:    0.1,
			SessionTimeout:  15,
			DriverTimeout:   30,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: GROWLOGIC_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GROWLOGIC_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("GROWLOGIC_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("GROWLOGIC_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("GROWLOGIC_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("GROWLOGIC_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("GROWLOGIC_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	if v := os.Getenv("GROWLOGIC_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("GROWLOGIC_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}

	if v := os.Getenv("GROWLOGIC_UNITS_FILE"); v != "" {
		cfg.UnitsFile = v
	}

	// Always override in production
	if v := os.Getenv("GROWLOGIC_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

// Validate checks the configuration for errors and security issues.
// All problems are collected into a single error.
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}
	if _, err := time.LoadLocation(c.Site.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("site.timezone %q is not a valid IANA zone", c.Site.Timezone))
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, "kafka.brokers is required when kafka is enabled")
	}

	// Forged tokens could switch pumps and lights, so a weak secret is refused.
	const minJWTSecretLength = 32
	if c.Security.JWT.Secret == "" {
		errs = append(errs, "security.jwt.secret is required (set GROWLOGIC_JWT_SECRET environment variable)")
	} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
	}

	for i, op := range c.Security.Operators {
		if op.Username == "" || op.PasswordHash == "" {
			errs = append(errs, fmt.Sprintf("security.operators[%d] needs a username and password_hash", i))
		}
	}

	if c.Eligibility.TickInterval < 1 {
		errs = append(errs, "eligibility.tick_interval must be at least 1 second")
	}

	if c.Irrigation.ApprovalTimeout < 1 {
		errs = append(errs, "irrigation.approval_timeout must be at least 1 minute")
	}
	if c.Irrigation.DriverRetries < 0 {
		errs = append(errs, "irrigation.driver_retries cannot be negative")
	}
	if c.Irrigation.PredictorConfidence < 0 || c.Irrigation.PredictorConfidence > 1 {
		errs = append(errs, "irrigation.predictor_confidence must be between 0 and 1")
	}
	switch c.Irrigation.ExpiryPolicy {
	case "expire", "auto_approve_low_risk":
	default:
		errs = append(errs, "irrigation.expiry_policy must be expire or auto_approve_low_risk")
	}

	if c.Calibration.SmoothingWeight <= 0.5 || c.Calibration.SmoothingWeight >= 1 {
		errs = append(errs, "calibration.smoothing_weight must be between 0.5 and 1 (exclusive)")
	}
	if c.Calibration.DriverTimeout < 1 {
		errs = append(errs, "calibration.driver_timeout must be at least 1 second")
	}
	if c.Calibration.MaxDeviation <= 1 {
		errs = append(errs, "calibration.max_deviation must be greater than 1")
	}
	if c.Calibration.HistoryLimit < 1 {
		errs = append(errs, "calibration.history_limit must be at least 1")
	}
	if c.Calibration.DefaultFlowRate <= 0 {
		errs = append(errs, "calibration.default_flow_rate must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// Location returns the site time zone. Validate guarantees it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Site.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// GetTickInterval returns the eligibility evaluation period.
func (e EligibilityConfig) GetTickInterval() time.Duration {
	return time.Duration(e.TickInterval) * time.Second
}

// GetSensorTimeout returns the bound on a single sensor lookup.
func (e EligibilityConfig) GetSensorTimeout() time.Duration {
	return time.Duration(e.SensorTimeout) * time.Second
}

// GetDriverTimeout returns the bound on a SetState call.
func (e EligibilityConfig) GetDriverTimeout() time.Duration {
	return time.Duration(e.DriverTimeout) * time.Second
}

// GetMaxReadingAge returns the staleness cutoff, zero when disabled.
func (e EligibilityConfig) GetMaxReadingAge() time.Duration {
	return time.Duration(e.MaxReadingAge) * time.Second
}

// GetApprovalTimeout returns how long an operator has to answer.
func (i IrrigationConfig) GetApprovalTimeout() time.Duration {
	return time.Duration(i.ApprovalTimeout) * time.Minute
}

// GetDefaultDelay returns the delay applied when the operator names none.
func (i IrrigationConfig) GetDefaultDelay() time.Duration {
	return time.Duration(i.DefaultDelay) * time.Minute
}

// GetRetryBackoff returns the base backoff between driver attempts.
func (i IrrigationConfig) GetRetryBackoff() time.Duration {
	return time.Duration(i.RetryBackoff) * time.Second
}

// GetDriverTimeout returns the bound on one Activate attempt.
func (i IrrigationConfig) GetDriverTimeout() time.Duration {
	return time.Duration(i.DriverTimeout) * time.Second
}

// GetFeedbackDelay returns the wait between execution and the feedback prompt.
func (i IrrigationConfig) GetFeedbackDelay() time.Duration {
	return time.Duration(i.FeedbackDelay) * time.Minute
}

// GetFeedbackTimeout returns how long feedback is awaited before auto-completion.
func (i IrrigationConfig) GetFeedbackTimeout() time.Duration {
	return time.Duration(i.FeedbackTimeout) * time.Hour
}

// GetSweepInterval returns the deadline sweep period.
func (i IrrigationConfig) GetSweepInterval() time.Duration {
	return time.Duration(i.SweepInterval) * time.Second
}

// GetSessionTimeout returns how long a calibration session stays open.
func (c CalibrationConfig) GetSessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeout) * time.Minute
}

// GetDriverTimeout returns the bound on the pump command of a session.
func (c CalibrationConfig) GetDriverTimeout() time.Duration {
	return time.Duration(c.DriverTimeout) * time.Second
}
