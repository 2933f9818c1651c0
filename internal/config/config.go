package config

import (
	"flag"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	EnvLocal = "local"
	EnvDev   = "dev"
	EnvProd  = "prod"
)

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

type Config struct {
	Env     string        `yaml:"env" env:"ENV" env-default:"local"`
	HTTP    HTTPConfig    `yaml:"http"`
	Broker  BrokerConfig  `yaml:"broker"`
	Store   StoreConfig   `yaml:"store"`
	WebRTC  WebRTCConfig  `yaml:"webrtc"`
	Janitor JanitorConfig `yaml:"janitor"`
}

type HTTPConfig struct {
	Address      string        `yaml:"address" env:"HTTP_ADDRESS" env-default:""`
	ReadTimeout  time.Duration `yaml:"read_timeout" env-default:"10s"`
	WriteTimeout time.Duration `yaml:"write_timeout" env-default:"10s"`
}

// BrokerConfig is shared by the broker server and its clients.
type BrokerConfig struct {
	URL       string        `yaml:"url" env:"BROKER_URL" env-default:""`
	JWTSecret string        `yaml:"jwt_secret" env:"JWT_SECRET" env-default:""`
	TokenTTL  time.Duration `yaml:"token_ttl" env:"TOKEN_TTL" env-default:"72h"`
}

type StoreConfig struct {
	Backend     string        `yaml:"backend" env:"STORE_BACKEND" env-default:"memory"`
	Redis       RedisConfig   `yaml:"redis"`
	PostgresDSN string        `yaml:"postgres_dsn" env:"POSTGRES_DSN" env-default:""`
	LeaseTTL    time.Duration `yaml:"lease_ttl" env:"STORE_LEASE_TTL" env-default:"0s"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6380"`
	Password string `yaml:"password" env:"REDIS_PASSWORD" env-default:""`
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

type WebRTCConfig struct {
	STUNServers []string `yaml:"stun_servers" env:"STUN_SERVERS" env-separator:","`
}

type JanitorConfig struct {
	CleanupInterval time.Duration `yaml:"cleanup_interval" env:"CLEANUP_INTERVAL" env-default:"1m"`
}

func MustLoad() *Config {
	configPath := fetchConfigPath()
	if configPath == "" {
		panic("config path is empty")
	}

	return MustLoadPath(configPath)
}

func MustLoadPath(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err.Error())
	}

	return cfg
}

// Load reads the YAML file at configPath, applies env overrides and
// fills defaults. A missing file falls back to env only.
func Load(configPath string) (*Config, error) {
	var cfg Config

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, err
		}
	} else if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		return nil, err
	}

	cfg.setDefaults()

	return &cfg, nil
}

func fetchConfigPath() string {
	var res string

	flag.StringVar(&res, "config", "", "path to config file")
	flag.Parse()

	if res == "" {
		res = os.Getenv("CONFIG_PATH")
	}

	if res == "" {
		res = "config/local.yaml"
	}

	return res
}

func (c *Config) setDefaults() {
	if c.HTTP.Address == "" {
		c.HTTP.Address = ":8080"
	}
	if c.Broker.URL == "" {
		c.Broker.URL = "http://localhost" + c.HTTP.Address
	}
	if c.Broker.JWTSecret == "" {
		c.Broker.JWTSecret = "YOUR_ULTRA_SECRET_KEY_HERE"
	}
	if c.Store.LeaseTTL <= 0 {
		c.Store.LeaseTTL = HostLeaseTTL
	}
	if len(c.WebRTC.STUNServers) == 0 {
		c.WebRTC.STUNServers = []string{"stun:stun.l.google.com:19302"}
	}
}
