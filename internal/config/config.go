package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config - конфигурация control plane сервера
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Security   SecurityConfig
	Supervisor SupervisorConfig
	Logging    LoggingConfig
}

// ServerConfig - настройки HTTP сервера
type ServerConfig struct {
	Port     int
	Host     string
	UseHTTPS bool
	CertFile string
	KeyFile  string
}

// DatabaseConfig - настройки подключения к БД
type DatabaseConfig struct {
	Driver   string
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

// SecurityConfig - настройки безопасности
type SecurityConfig struct {
	EncryptionKey string // 32 байта для AES-256, шифрование API ключей площадок
}

// SupervisorConfig - настройки супервизора процессов стратегий
type SupervisorConfig struct {
	StrategyBinary     string        // путь к бинарю экземпляра стратегии
	ConfigDir          string        // каталог для временных YAML конфигов
	PortRangeStart     int           // пул control портов
	PortRangeEnd       int
	HeartbeatInterval  time.Duration // ожидаемая частота heartbeat от экземпляров
	HeartbeatTimeout   time.Duration // без heartbeat дольше - unhealthy
	ReconcileOnBoot    bool
	StopGracePeriod    time.Duration // SIGTERM → SIGKILL
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level  string
	Format string
}

// Load загружает конфигурацию control plane из переменных окружения
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:     getEnvAsInt("SERVER_PORT", 8080),
			Host:     getEnv("SERVER_HOST", "0.0.0.0"),
			UseHTTPS: getEnvAsBool("USE_HTTPS", false),
			CertFile: getEnv("CERT_FILE", ""),
			KeyFile:  getEnv("KEY_FILE", ""),
		},
		Database: DatabaseConfig{
			Driver:   getEnv("DB_DRIVER", "postgres"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			Name:     getEnv("DB_NAME", "fundingarb"),
			User:     getEnv("DB_USER", "user"),
			Password: getEnv("DB_PASSWORD", "password"),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
		},
		Security: SecurityConfig{
			EncryptionKey: getEnv("ENCRYPTION_KEY", ""),
		},
		Supervisor: SupervisorConfig{
			StrategyBinary:    getEnv("STRATEGY_BINARY", "/usr/local/bin/fundingarb-strategy"),
			ConfigDir:         getEnv("STRATEGY_CONFIG_DIR", "/var/run/fundingarb"),
			PortRangeStart:    getEnvAsInt("CONTROL_PORT_START", 8766),
			PortRangeEnd:      getEnvAsInt("CONTROL_PORT_END", 8799),
			HeartbeatInterval: getEnvAsDuration("HEARTBEAT_INTERVAL", 15*time.Second),
			HeartbeatTimeout:  getEnvAsDuration("HEARTBEAT_TIMEOUT", 60*time.Second),
			ReconcileOnBoot:   getEnvAsBool("RECONCILE_ON_BOOT", true),
			StopGracePeriod:   getEnvAsDuration("STOP_GRACE_PERIOD", 30*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	// ENCRYPTION_KEY обязателен для шифрования API ключей площадок
	if c.Security.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required for encrypting venue API keys")
	}
	if len(c.Security.EncryptionKey) != 32 {
		return fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes for AES-256")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("DB_PORT must be between 1 and 65535, got %d", c.Database.Port)
	}

	if c.Supervisor.PortRangeStart < 1024 || c.Supervisor.PortRangeEnd > 65535 ||
		c.Supervisor.PortRangeStart > c.Supervisor.PortRangeEnd {
		return fmt.Errorf("invalid control port range %d-%d",
			c.Supervisor.PortRangeStart, c.Supervisor.PortRangeEnd)
	}

	if c.Supervisor.HeartbeatTimeout <= c.Supervisor.HeartbeatInterval {
		return fmt.Errorf("HEARTBEAT_TIMEOUT must exceed HEARTBEAT_INTERVAL")
	}

	return nil
}

// DSN возвращает строку подключения к базе данных
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// DSNWithoutPassword - строка подключения без пароля, для логирования
func (d DatabaseConfig) DSNWithoutPassword() string {
	return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Name, d.SSLMode)
}

// Вспомогательные функции для чтения переменных окружения

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
