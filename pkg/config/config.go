package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the full node configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	DB          DBConfig          `yaml:"db"`
	Redis       RedisConfig       `yaml:"redis"`
	MQ          MQConfig          `yaml:"mq"`
	JWT         JWTConfig         `yaml:"jwt"`
	OAuth       OAuthConfig       `yaml:"oauth"`
	Classifier  ClassifierConfig  `yaml:"classifier"`
	Lock        LockConfig        `yaml:"lock"`
	Sync        SyncConfig        `yaml:"sync"`
	Unsubscribe UnsubscribeConfig `yaml:"unsubscribe"`
	Tracing     TracingConfig     `yaml:"tracing"`
	Log         LogConfig         `yaml:"log"`
}

// DBConfig is the Postgres connection config.
type DBConfig struct {
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	User               string        `yaml:"user"`
	Password           string        `yaml:"password"`
	Name               string        `yaml:"name"`
	SSLMode            string        `yaml:"sslmode"`
	MaxConns           int32         `yaml:"max_conns"`
	SlowQueryThreshold time.Duration `yaml:"slow_query_threshold"`
}

// MQConfig configures the AMQP broker.
type MQConfig struct {
	URL          string `yaml:"url"`
	TriggerQueue string `yaml:"trigger_queue"`
	Enabled      bool   `yaml:"enabled"`
}

// RedisConfig configures the redis client.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// JWTConfig holds the HMAC secret for API tokens.
type JWTConfig struct {
	Secret   string        `yaml:"secret"`
	TokenTTL time.Duration `yaml:"token_ttl"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port string `yaml:"port"`
}

// OAuthConfig holds the client used to authorize and refresh mailboxes.
// AuthURL and TokenURL default to Google's endpoints.
type OAuthConfig struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	AuthURL      string   `yaml:"auth_url"`
	TokenURL     string   `yaml:"token_url"`
	RedirectURL  string   `yaml:"redirect_url"`
	Scopes       []string `yaml:"scopes"`
}

type ClassifierConfig struct {
	BaseURL string        `yaml:"base_url"`
	Model   string        `yaml:"model"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// LockConfig selects the lease backend.
type LockConfig struct {
	Backend         string        `yaml:"backend"` // postgres | redis | memory
	LeaseTTL        time.Duration `yaml:"lease_ttl"`
	NodeID          string        `yaml:"node_id"`
	JanitorInterval time.Duration `yaml:"janitor_interval"`
}

type SyncConfig struct {
	Interval          time.Duration `yaml:"interval"`
	CycleTimeout      time.Duration `yaml:"cycle_timeout"`
	WorkerConcurrency int           `yaml:"worker_concurrency"`
	BatchSize         int           `yaml:"batch_size"`
	InterItemDelay    time.Duration `yaml:"inter_item_delay"`
	RefreshLookahead  time.Duration `yaml:"refresh_lookahead"`
	FullResyncLimit   int64         `yaml:"full_resync_limit"`
	TriggerDebounce   time.Duration `yaml:"trigger_debounce"`
	GmailEndpoint     string        `yaml:"gmail_endpoint"`
}

type UnsubscribeConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	PageTimeout time.Duration `yaml:"page_timeout"`
	Headless    bool          `yaml:"headless"`
	BrowserBin  string        `yaml:"browser_bin"`
}

// TracingConfig configures the OTLP span exporter.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"` // otel-collector:4317
	Insecure    bool    `yaml:"insecure"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when a key is absent from YAML.
func Default() Config {
	return Config{
		Server: ServerConfig{Port: ":8080"},
		DB: DBConfig{
			Host:               "localhost",
			Port:               5432,
			User:               "postgres",
			Name:               "mailsync",
			SSLMode:            "disable",
			MaxConns:           10,
			SlowQueryThreshold: 100 * time.Millisecond,
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		MQ:    MQConfig{TriggerQueue: "sync.trigger.q"},
		JWT:   JWTConfig{TokenTTL: 24 * time.Hour},
		OAuth: OAuthConfig{
			Scopes: []string{"https://www.googleapis.com/auth/gmail.modify"},
		},
		Classifier: ClassifierConfig{
			BaseURL: "https://generativelanguage.googleapis.com/v1beta",
			Model:   "gemini-1.5-flash",
			Timeout: 30 * time.Second,
		},
		Lock: LockConfig{
			Backend:         "postgres",
			LeaseTTL:        10 * time.Minute,
			JanitorInterval: time.Minute,
		},
		Sync: SyncConfig{
			Interval:          5 * time.Minute,
			CycleTimeout:      30 * time.Minute,
			WorkerConcurrency: 5,
			BatchSize:         10,
			InterItemDelay:    50 * time.Millisecond,
			RefreshLookahead:  5 * time.Minute,
			FullResyncLimit:   50,
			TriggerDebounce:   30 * time.Second,
		},
		Unsubscribe: UnsubscribeConfig{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			PageTimeout: 30 * time.Second,
			Headless:    true,
		},
		Tracing: TracingConfig{
			Endpoint:    "otel-collector:4317",
			Insecure:    true,
			ServiceName: "mailsync",
			SampleRatio: 1,
		},
		Log: LogConfig{Level: "info"},
	}
}

// OverrideDBFromEnv applies DB_* variables.
func OverrideDBFromEnv(cfg *DBConfig) {
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.Host = host
	}
	if port := os.Getenv("DB_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Port = p
		}
	}
	if user := os.Getenv("DB_USER"); user != "" {
		cfg.User = user
	}
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.Password = password
	}
	if name := os.Getenv("DB_NAME"); name != "" {
		cfg.Name = name
	}
}

// OverrideMQFromEnv applies MQ_URL and enables the consumer.
func OverrideMQFromEnv(cfg *MQConfig) {
	if url := os.Getenv("MQ_URL"); url != "" {
		cfg.URL = url
		cfg.Enabled = true
	}
}

func OverrideRedisFromEnv(cfg *RedisConfig) {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Password = password
	}
}

func OverrideJWTFromEnv(cfg *JWTConfig) {
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.Secret = secret
	}
}

func OverrideServerFromEnv(cfg *ServerConfig) {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}
}

func OverrideOAuthFromEnv(cfg *OAuthConfig) {
	if id := os.Getenv("OAUTH_CLIENT_ID"); id != "" {
		cfg.ClientID = id
	}
	if secret := os.Getenv("OAUTH_CLIENT_SECRET"); secret != "" {
		cfg.ClientSecret = secret
	}
	if redirect := os.Getenv("OAUTH_REDIRECT_URL"); redirect != "" {
		cfg.RedirectURL = redirect
	}
}

func OverrideClassifierFromEnv(cfg *ClassifierConfig) {
	if key := os.Getenv("CLASSIFIER_API_KEY"); key != "" {
		cfg.APIKey = key
	}
}

func OverrideLockFromEnv(cfg *LockConfig) {
	if id := os.Getenv("NODE_ID"); id != "" {
		cfg.NodeID = id
	}
}

// OverrideTracingFromEnv enables tracing when an OTLP endpoint is exported.
func OverrideTracingFromEnv(cfg *TracingConfig) {
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		cfg.Endpoint = endpoint
		cfg.Enabled = true
	}
}
