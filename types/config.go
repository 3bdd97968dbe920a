package types

import (
	"time"
)

type ConfigManager interface {
	Load() error
	Reload() (*ServiceConfig, error)
	GetConfig() *ServiceConfig
	GetValue(path string, defaultValue interface{}) interface{}
	GetAs(path string, target interface{}) error
}

type ServiceConfig struct {
	Name        string             `yaml:"name" json:"name" validate:"required"`
	Version     string             `yaml:"version" json:"version" validate:"required"`
	Server      *ServerConfig      `yaml:"server" json:"server" validate:"required"`
	Logger      *LoggerConfig      `yaml:"logger" json:"logger"`
	Upstream    *UpstreamConfig    `yaml:"upstream" json:"upstream" validate:"required"`
	Storage     *StorageConfig     `yaml:"storage" json:"storage" validate:"required"`
	Engine      *EngineConfig      `yaml:"engine" json:"engine" validate:"required"`
	Control     *ControlConfig     `yaml:"control" json:"control"`
	Sync        *SyncConfig        `yaml:"sync" json:"sync"`
	Cron        *CronConfig        `yaml:"cron" json:"cron"`
	Middlewares *MiddlewaresConfig `yaml:"middlewares" json:"middlewares"`
	Metrics     *MetricsConfig     `yaml:"metrics" json:"metrics"`
	Health      *HealthConfig      `yaml:"health" json:"health"`
}

type ServerConfig struct {
	HTTP *HTTPConfig `yaml:"http" json:"http" validate:"required"`
	TLS  *TLSConfig  `yaml:"tls" json:"tls"`
}

type HTTPConfig struct {
	Host               string        `yaml:"host" json:"host"`
	Port               int           `yaml:"port" json:"port" validate:"min=1,max=65535"`
	ReadTimeout        time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout        time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	MaxRequestBodySize int           `yaml:"max_request_body_size" json:"max_request_body_size"`
}

type TLSConfig struct {
	Enabled       bool     `yaml:"enabled" json:"enabled"`
	CertFile      string   `yaml:"cert_file,omitempty" json:"cert_file,omitempty"`
	KeyFile       string   `yaml:"key_file,omitempty" json:"key_file,omitempty"`
	AutoCert      bool     `yaml:"auto_cert" json:"auto_cert"`
	Domains       []string `yaml:"domains,omitempty" json:"domains,omitempty"`
	Email         string   `yaml:"email,omitempty" json:"email,omitempty"`
	CacheDir      string   `yaml:"cache_dir,omitempty" json:"cache_dir,omitempty"`
	ACMEDirectory string   `yaml:"acme_directory,omitempty" json:"acme_directory,omitempty"`
}

type LoggerConfig struct {
	Type   string      `yaml:"type" json:"type"`
	Level  string      `yaml:"level" json:"level"`
	Config interface{} `yaml:"config" json:"config"`
}

type UpstreamConfig struct {
	BaseURL            string                `yaml:"base_url" json:"base_url" validate:"required,url"`
	Timeout            time.Duration         `yaml:"timeout" json:"timeout" validate:"min=0"`
	Retries            int                   `yaml:"retries" json:"retries" validate:"min=0"`
	MaxIdleConnections int                   `yaml:"max_idle_connections" json:"max_idle_connections"`
	IdleConnTimeout    time.Duration         `yaml:"idle_conn_timeout" json:"idle_conn_timeout"`
	CircuitBreaker     *CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
	ProbePath          string                `yaml:"probe_path" json:"probe_path"`
}

type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled" json:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`
	HalfOpenRequests int           `yaml:"half_open_requests" json:"half_open_requests"`
}

type StorageConfig struct {
	Type   string      `yaml:"type" json:"type" validate:"required"`
	Config interface{} `yaml:"config" json:"config"`
}

type EngineConfig struct {
	GenerationSpec `yaml:",inline"`
	DrainTimeout   time.Duration `yaml:"drain_timeout" json:"drain_timeout" validate:"min=0"`
	InstallWorkers int           `yaml:"install_workers" json:"install_workers" validate:"min=0"`
}

type ControlConfig struct {
	Enabled   bool             `yaml:"enabled" json:"enabled"`
	Path      string           `yaml:"path" json:"path"`
	Inbox     int              `yaml:"inbox" json:"inbox" validate:"min=0"`
	Auth      *AuthConfig      `yaml:"auth" json:"auth"`
	WebSocket *WebSocketConfig `yaml:"websocket" json:"websocket"`
}

// AuthConfig guards the reserved routes. Type is "token", "basic" or "jwt".
type AuthConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Type     string `yaml:"type" json:"type" validate:"required_if=Enabled true,omitempty,oneof=token basic jwt"`
	Token    string `yaml:"token" json:"token" validate:"required_if=Type token"`
	Username string `yaml:"username" json:"username" validate:"required_if=Type basic"`
	Password string `yaml:"password" json:"password" validate:"required_if=Type basic"`
	Realm    string `yaml:"realm" json:"realm"`
	Secret   string `yaml:"secret" json:"secret" validate:"required_if=Type jwt"`
	Issuer   string `yaml:"issuer" json:"issuer"`
}

type WebSocketConfig struct {
	Enabled        bool              `yaml:"enabled" json:"enabled"`
	URL            string            `yaml:"url" json:"url" validate:"required_if=Enabled true"`
	Headers        map[string]string `yaml:"headers" json:"headers"`
	ReconnectDelay time.Duration     `yaml:"reconnect_delay" json:"reconnect_delay"`
	PingInterval   time.Duration     `yaml:"ping_interval" json:"ping_interval"`
	WriteTimeout   time.Duration     `yaml:"write_timeout" json:"write_timeout"`
}

type SyncConfig struct {
	Enabled     bool        `yaml:"enabled" json:"enabled"`
	Store       string      `yaml:"store" json:"store"`
	Config      interface{} `yaml:"config" json:"config"`
	Schedule    string      `yaml:"schedule" json:"schedule"`
	MaxAttempts int         `yaml:"max_attempts" json:"max_attempts" validate:"min=0"`
	Rules       []SyncRule  `yaml:"rules" json:"rules" validate:"dive"`
}

type CronConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Timezone string `yaml:"timezone" json:"timezone"`
}

type MiddlewaresConfig struct {
	Enabled     bool                  `yaml:"enabled" json:"enabled"`
	Logging     *MiddlewareItemConfig `yaml:"logging" json:"logging"`
	Recovery    *MiddlewareItemConfig `yaml:"recovery" json:"recovery"`
	Compression *MiddlewareItemConfig `yaml:"compression" json:"compression"`
	CORS        *MiddlewareItemConfig `yaml:"cors" json:"cors"`
	RateLimit   *MiddlewareItemConfig `yaml:"rate_limit" json:"rate_limit"`
}

type MiddlewareItemConfig struct {
	Enabled bool                   `yaml:"enabled" json:"enabled"`
	Weight  int                    `yaml:"weight" json:"weight" validate:"min=0"`
	Params  map[string]interface{} `yaml:"params" json:"params"`
}

type MetricsConfig struct {
	Enabled bool              `yaml:"enabled" json:"enabled"`
	Type    string            `yaml:"type" json:"type" validate:"required_if=Enabled true"`
	Config  interface{}       `yaml:"config" json:"config"`
	Prefix  string            `yaml:"prefix" json:"prefix"`
	Labels  map[string]string `yaml:"labels" json:"labels"`
	Path    string            `yaml:"path" json:"path"`
}

type HealthConfig struct {
	Enabled bool          `yaml:"enabled" json:"enabled"`
	Path    string        `yaml:"path" json:"path"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}
