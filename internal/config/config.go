package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/ini.v1"
)

// Config holds all configuration
type Config struct {
	MySQL        MySQLConfig
	Redis        RedisConfig
	JWT          JWTConfig
	Migrate      bool
	HTTPAddr     string
	LogLevel     string
	ControlPlane ControlPlaneConfig
	Queue        QueueConfig
	IPPool       IPPoolConfig
	Worker       WorkerConfig
	Admin        AdminConfig
}

// MySQLConfig holds MySQL configuration
type MySQLConfig struct {
	DSN string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret        string
	ExpireMinutes int
	Issuer        string
}

// ControlPlaneConfig holds VM control-plane agent configuration
type ControlPlaneConfig struct {
	DefaultHost string
	AgentPort   int
	TimeoutSec  int
	MTLS        MTLSConfig
}

// MTLSConfig holds mTLS configuration for the control-plane client
type MTLSConfig struct {
	Enabled    bool
	ClientCert string
	ClientKey  string
	CACert     string
}

// QueueConfig holds workflow queue configuration
type QueueConfig struct {
	Key              string
	Concurrency      int
	MaxAttempts      int
	SoftTimeLimitSec int
	HardTimeLimitSec int
}

// IPPoolConfig holds address pool configuration
type IPPoolConfig struct {
	DefaultPool      string
	BootstrapCIDR    string
	BootstrapGateway string
}

// AdminConfig holds the bootstrap admin account. The account is only
// created when a password is set; an existing account is never modified.
type AdminConfig struct {
	Username string
	Password string
}

// WorkerConfig controls the embedded workflow worker
type WorkerConfig struct {
	Enabled          bool
	RestartSettleSec int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		MySQL: MySQLConfig{
			DSN: getEnv("MYSQL_DSN", ""),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASS", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:        os.Getenv("JWT_SECRET"),
			ExpireMinutes: getEnvInt("JWT_EXPIRE_MINUTES", 1440),
			Issuer:        getEnv("JWT_ISSUER", "mikrovm"),
		},
		Migrate:  getEnv("MIGRATE", "0") == "1",
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		ControlPlane: ControlPlaneConfig{
			DefaultHost: getEnv("CONTROL_PLANE_DEFAULT_HOST", ""),
			AgentPort:   getEnvInt("CONTROL_PLANE_AGENT_PORT", 8443),
			TimeoutSec:  getEnvInt("CONTROL_PLANE_TIMEOUT_SEC", 60),
			MTLS: MTLSConfig{
				Enabled:    getEnv("MTLS_ENABLED", "0") == "1",
				ClientCert: getEnv("CONTROL_CERT", ""),
				ClientKey:  getEnv("CONTROL_KEY", ""),
				CACert:     getEnv("CONTROL_CA", ""),
			},
		},
		Queue: QueueConfig{
			Key:              getEnv("QUEUE_KEY", "mikrovm:queue"),
			Concurrency:      getEnvInt("QUEUE_CONCURRENCY", 4),
			MaxAttempts:      getEnvInt("QUEUE_MAX_ATTEMPTS", 3),
			SoftTimeLimitSec: getEnvInt("QUEUE_SOFT_TIME_LIMIT_SEC", 240),
			HardTimeLimitSec: getEnvInt("QUEUE_HARD_TIME_LIMIT_SEC", 300),
		},
		IPPool: IPPoolConfig{
			DefaultPool:      getEnv("IPPOOL_DEFAULT", "default"),
			BootstrapCIDR:    getEnv("IPPOOL_BOOTSTRAP_CIDR", ""),
			BootstrapGateway: getEnv("IPPOOL_BOOTSTRAP_GATEWAY", ""),
		},
		Worker: WorkerConfig{
			Enabled:          getEnv("WORKER_ENABLED", "1") == "1",
			RestartSettleSec: getEnvInt("RESTART_SETTLE_SEC", 3),
		},
		Admin: AdminConfig{
			Username: getEnv("ADMIN_USERNAME", "admin"),
			Password: getEnv("ADMIN_PASSWORD", ""),
		},
	}

	// Validate required fields
	if cfg.MySQL.DSN == "" {
		return nil, fmt.Errorf("MYSQL_DSN is required")
	}
	if cfg.JWT.Secret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.Queue.HardTimeLimitSec <= cfg.Queue.SoftTimeLimitSec {
		return nil, fmt.Errorf("QUEUE_HARD_TIME_LIMIT_SEC must be greater than QUEUE_SOFT_TIME_LIMIT_SEC")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// LoadFromINI loads configuration from INI file with environment variable override
func LoadFromINI(iniPath string) (*Config, error) {
	cfgFile, err := ini.Load(iniPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load INI file: %w", err)
	}

	// Value priority: ENV > INI > default
	getValue := func(envKey, iniSection, iniKey, defaultValue string) string {
		if value := os.Getenv(envKey); value != "" {
			return value
		}
		if value := cfgFile.Section(iniSection).Key(iniKey).String(); value != "" {
			return value
		}
		return defaultValue
	}

	getValueInt := func(envKey, iniSection, iniKey string, defaultValue int) int {
		if value := os.Getenv(envKey); value != "" {
			if intValue, err := strconv.Atoi(value); err == nil {
				return intValue
			}
		}
		if cfgFile.Section(iniSection).HasKey(iniKey) {
			if value, err := cfgFile.Section(iniSection).Key(iniKey).Int(); err == nil {
				return value
			}
		}
		return defaultValue
	}

	getValueBool := func(envKey, iniSection, iniKey string, defaultValue bool) bool {
		if value := os.Getenv(envKey); value != "" {
			return value == "1" || value == "true"
		}
		if value, err := cfgFile.Section(iniSection).Key(iniKey).Bool(); err == nil {
			return value
		}
		return defaultValue
	}

	cfg := &Config{
		MySQL: MySQLConfig{
			DSN: getValue("MYSQL_DSN", "mysql", "dsn", ""),
		},
		Redis: RedisConfig{
			Addr:     getValue("REDIS_ADDR", "redis", "addr", "localhost:6379"),
			Password: getValue("REDIS_PASS", "redis", "pass", ""),
			DB:       getValueInt("REDIS_DB", "redis", "db", 0),
		},
		JWT: JWTConfig{
			Secret:        getValue("JWT_SECRET", "jwt", "secret", ""),
			ExpireMinutes: getValueInt("JWT_EXPIRE_MINUTES", "jwt", "expire_minutes", 1440),
			Issuer:        getValue("JWT_ISSUER", "jwt", "issuer", "mikrovm"),
		},
		Migrate:  getValueBool("MIGRATE", "app", "migrate", false),
		HTTPAddr: getValue("HTTP_ADDR", "http", "addr", ":8080"),
		LogLevel: getValue("LOG_LEVEL", "app", "log_level", "info"),
		ControlPlane: ControlPlaneConfig{
			DefaultHost: getValue("CONTROL_PLANE_DEFAULT_HOST", "control_plane", "default_host", ""),
			AgentPort:   getValueInt("CONTROL_PLANE_AGENT_PORT", "control_plane", "agent_port", 8443),
			TimeoutSec:  getValueInt("CONTROL_PLANE_TIMEOUT_SEC", "control_plane", "timeout_sec", 60),
			MTLS: MTLSConfig{
				Enabled:    getValueBool("MTLS_ENABLED", "mtls", "enabled", false),
				ClientCert: getValue("CONTROL_CERT", "mtls", "client_cert", ""),
				ClientKey:  getValue("CONTROL_KEY", "mtls", "client_key", ""),
				CACert:     getValue("CONTROL_CA", "mtls", "ca_cert", ""),
			},
		},
		Queue: QueueConfig{
			Key:              getValue("QUEUE_KEY", "queue", "key", "mikrovm:queue"),
			Concurrency:      getValueInt("QUEUE_CONCURRENCY", "queue", "concurrency", 4),
			MaxAttempts:      getValueInt("QUEUE_MAX_ATTEMPTS", "queue", "max_attempts", 3),
			SoftTimeLimitSec: getValueInt("QUEUE_SOFT_TIME_LIMIT_SEC", "queue", "soft_time_limit_sec", 240),
			HardTimeLimitSec: getValueInt("QUEUE_HARD_TIME_LIMIT_SEC", "queue", "hard_time_limit_sec", 300),
		},
		IPPool: IPPoolConfig{
			DefaultPool:      getValue("IPPOOL_DEFAULT", "ippool", "default_pool", "default"),
			BootstrapCIDR:    getValue("IPPOOL_BOOTSTRAP_CIDR", "ippool", "bootstrap_cidr", ""),
			BootstrapGateway: getValue("IPPOOL_BOOTSTRAP_GATEWAY", "ippool", "bootstrap_gateway", ""),
		},
		Worker: WorkerConfig{
			Enabled:          getValueBool("WORKER_ENABLED", "worker", "enabled", true),
			RestartSettleSec: getValueInt("RESTART_SETTLE_SEC", "worker", "restart_settle_sec", 3),
		},
		Admin: AdminConfig{
			Username: getValue("ADMIN_USERNAME", "admin", "username", "admin"),
			Password: getValue("ADMIN_PASSWORD", "admin", "password", ""),
		},
	}

	if cfg.MySQL.DSN == "" {
		return nil, fmt.Errorf("MYSQL_DSN is required")
	}
	if cfg.JWT.Secret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	return cfg, nil
}
