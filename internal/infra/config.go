package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config: корневая структура конфигурации платформы.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`  // Console API
	Gateway  ServerConfig   `mapstructure:"gateway"` // VM-facing API
	GRPC     GRPCConfig     `mapstructure:"grpc"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Identity IdentityConfig `mapstructure:"identity"`
	KMS      KMSConfig      `mapstructure:"kms"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

// ServerConfig описывает настройки HTTP-сервера.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// Таймаут уровня запроса: по истечении верификация/шифрование считаются неуспешными
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type GRPCConfig struct {
	Addr string `mapstructure:"addr"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// DatabaseConfig описывает подключение к PostgreSQL.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig описывает подключение к Redis (Pub/Sub и L2-кэш отзывов).
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AuthConfig содержит пути к RSA ключам консоли и настройки JWT.
type AuthConfig struct {
	PublicKeyPath  string        `mapstructure:"public_key_path"`
	PrivateKeyPath string        `mapstructure:"private_key_path"` // Только для Console API
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	BcryptCost     int           `mapstructure:"bcrypt_cost"`
	PublicKey      []byte
	PrivateKey     []byte
}

// IdentityConfig: проверка identity-токенов VM.
type IdentityConfig struct {
	TokenInfoURL         string        `mapstructure:"tokeninfo_url"`
	Audience             string        `mapstructure:"audience"`
	ServiceAccountPrefix string        `mapstructure:"service_account_prefix"`
	InstanceNamePrefix   string        `mapstructure:"instance_name_prefix"` // Контракт с провижинингом VM
	IntrospectionTimeout time.Duration `mapstructure:"introspection_timeout"`
	BreakerFailures      uint32        `mapstructure:"breaker_failures"`
	BreakerOpenTimeout   time.Duration `mapstructure:"breaker_open_timeout"`
}

// KMSConfig: внешний сервис управления ключами (обертка DEK).
type KMSConfig struct {
	Provider     string        `mapstructure:"provider"` // cloud | local
	KeyName      string        `mapstructure:"key_name"` // projects/.../cryptoKeys/...
	Endpoint     string        `mapstructure:"endpoint"`
	AccessToken  string        `mapstructure:"access_token"` // пусто, берем из metadata server
	Account      string        `mapstructure:"service_account"` // аккаунт VM для metadata server, пусто = default
	KeystorePath string        `mapstructure:"keystore_path"`
	RateLimit    float64       `mapstructure:"rate_limit"`
	RateBurst    int           `mapstructure:"rate_burst"`
	Attempts     uint          `mapstructure:"attempts"`
	CallTimeout  time.Duration `mapstructure:"call_timeout"`
	// Circuit Breaker для KMS
	CBMaxRequests uint32        `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`
	RotateBatch   int           `mapstructure:"rotate_batch"`
}

// EngineConfig содержит специфичные настройки шлюза VM.
type EngineConfig struct {
	AuditBufferSize    int           `mapstructure:"audit_buffer_size"`
	AuditBatchSize     int           `mapstructure:"audit_batch_size"`
	AuditFlushInterval time.Duration `mapstructure:"audit_flush_interval"`
}

// LoggerConfig настраивает поведение zap логгера.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// LoadConfig инициализирует конфигурацию, объединяя значения из файла и ENV.
func LoadConfig() (*Config, error) {
	return loadConfig(viper.New())
}

func loadConfig(v *viper.Viper) (*Config, error) {
	// 1. Настройка поиска файла
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// 2. ENV перекрывает конфиг: KMS_KEY_NAME перекроет kms.key_name
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// 3. Дефолты
	setDefaults(v)

	// 4. Чтение файла
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Если файла нет, работаем на ENV и дефолтах
	}

	// 5. Маппинг в структуру
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	// 6. Ключи консоли из файла ИЛИ из ENV
	cfg.Auth.PublicKey = loadKeyResource(cfg.Auth.PublicKeyPath, "AUTH_PUBLIC_KEY_DATA")
	cfg.Auth.PrivateKey = loadKeyResource(cfg.Auth.PrivateKeyPath, "AUTH_PRIVATE_KEY_DATA")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate отсекает конфигурации, при которых проверки стали бы слабее.
func (c *Config) Validate() error {
	if c.Identity.InstanceNamePrefix == "" {
		return errors.New("config: identity.instance_name_prefix must not be empty")
	}
	if c.Identity.ServiceAccountPrefix == "" {
		return errors.New("config: identity.service_account_prefix must not be empty")
	}
	if c.Identity.Audience == "" {
		return errors.New("config: identity.audience must not be empty")
	}
	switch c.KMS.Provider {
	case "cloud", "local":
	default:
		return fmt.Errorf("config: unknown kms.provider %q", c.KMS.Provider)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Пустые дефолты нужны, чтобы AutomaticEnv подхватил ключи при Unmarshal
	for _, key := range []string{
		"database.url", "redis.password", "auth.public_key_path", "auth.private_key_path",
		"identity.audience", "kms.key_name", "kms.access_token", "kms.service_account",
	} {
		v.SetDefault(key, "")
	}

	v.SetDefault("server.port", 8000)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.request_timeout", 15*time.Second)
	v.SetDefault("gateway.port", 8080)
	v.SetDefault("gateway.read_timeout", 5*time.Second)
	v.SetDefault("gateway.write_timeout", 10*time.Second)
	v.SetDefault("gateway.request_timeout", 10*time.Second)
	v.SetDefault("grpc.addr", ":50052")
	v.SetDefault("metrics.addr", ":9090")

	v.SetDefault("database.max_conns", 15)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("auth.bcrypt_cost", 12)

	v.SetDefault("identity.tokeninfo_url", "https://oauth2.googleapis.com/tokeninfo")
	v.SetDefault("identity.service_account_prefix", "agent-runner@")
	v.SetDefault("identity.instance_name_prefix", "agent-")
	v.SetDefault("identity.introspection_timeout", 5*time.Second)
	v.SetDefault("identity.breaker_failures", 5)
	v.SetDefault("identity.breaker_open_timeout", 30*time.Second)

	v.SetDefault("kms.provider", "cloud")
	v.SetDefault("kms.endpoint", "https://cloudkms.googleapis.com")
	v.SetDefault("kms.keystore_path", "./data/keystore.json")
	v.SetDefault("kms.rate_limit", 100)
	v.SetDefault("kms.rate_burst", 20)
	v.SetDefault("kms.attempts", 3)
	v.SetDefault("kms.call_timeout", 10*time.Second)
	v.SetDefault("kms.cb_max_requests", 3)
	v.SetDefault("kms.cb_interval", 5*time.Second)
	v.SetDefault("kms.cb_timeout", 30*time.Second)
	v.SetDefault("kms.rotate_batch", 100)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("engine.audit_buffer_size", 10000)
	v.SetDefault("engine.audit_batch_size", 100)
	v.SetDefault("engine.audit_flush_interval", 500*time.Millisecond)
}

// loadKeyResource: PEM из ENV (Docker/K8s) или из файла по пути
func loadKeyResource(path string, envDataKey string) []byte {
	if data := os.Getenv(envDataKey); data != "" {
		return []byte(data)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return data
		}
	}
	return nil
}
