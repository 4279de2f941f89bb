package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	EnvPrefix = ""

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvDBDSN  = "NILA_DB_DSN"
	EnvDBHost = "NILA_DB_HOST"
	EnvDBUser = "NILA_DB_USER"
	EnvDBName = "NILA_DB_NAME"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}

type Config struct {
	App          AppConfig
	DB           DBConfig
	Redis        RedisConfig
	Settlement   SettlementConfig
	Oracle       OracleConfig
	FeatureFlags FeatureFlagsConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"NILA_APP_ENV" required:"true"`
	Port         string `envconfig:"NILA_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"NILA_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"NILA_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type DBConfig struct {
	DSN    string `envconfig:"NILA_DB_DSN"`
	Driver string `envconfig:"NILA_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"NILA_DB_HOST"`
	LegacyPort     int    `envconfig:"NILA_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"NILA_DB_USER"`
	LegacyPassword string `envconfig:"NILA_DB_PASSWORD"`
	LegacyName     string `envconfig:"NILA_DB_NAME"`
	LegacySSLMode  string `envconfig:"NILA_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"NILA_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"NILA_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"NILA_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"NILA_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"NILA_REDIS_URL" required:"true"`
	Address      string        `envconfig:"NILA_REDIS_ADDR"`
	Password     string        `envconfig:"NILA_REDIS_PASSWORD"`
	DB           int           `envconfig:"NILA_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"NILA_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"NILA_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"NILA_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"NILA_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"NILA_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// SettlementConfig bounds the settlement workflow. StepTimeout caps each
// individual store write; OperationDeadline caps the whole orchestration once
// it detaches from the caller's context.
type SettlementConfig struct {
	StepTimeout        time.Duration `envconfig:"NILA_SETTLEMENT_STEP_TIMEOUT" default:"5s"`
	OperationDeadline  time.Duration `envconfig:"NILA_SETTLEMENT_OPERATION_DEADLINE" default:"30s"`
	ReconcileAfter     time.Duration `envconfig:"NILA_SETTLEMENT_RECONCILE_AFTER" default:"5m"`
	ReconcileBatchSize int           `envconfig:"NILA_SETTLEMENT_RECONCILE_BATCH" default:"100"`
	IdempotencyTTL     time.Duration `envconfig:"NILA_SETTLEMENT_IDEMPOTENCY_TTL" default:"168h"`
}

// OracleConfig points at the NILA price oracle used for display math.
type OracleConfig struct {
	URL          string        `envconfig:"NILA_ORACLE_URL"`
	Timeout      time.Duration `envconfig:"NILA_ORACLE_TIMEOUT" default:"3s"`
	MaxRetries   uint64        `envconfig:"NILA_ORACLE_MAX_RETRIES" default:"2"`
	FallbackRate string        `envconfig:"NILA_ORACLE_FALLBACK_RATE" default:"0.045"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"NILA_AUTO_MIGRATE" default:"false"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
