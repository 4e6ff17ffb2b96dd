package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Ramazan2220/warmq/internal/logging"
)

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	GracefulTimeout time.Duration `yaml:"graceful_timeout"`
}

func (s ServerConfig) Address() string { return s.Host + ":" + strconv.Itoa(s.Port) }

// EndpointConfig is one database endpoint plus its pool sizing. Primary and
// replicas are typically sized differently.
type EndpointConfig struct {
	Name         string        `yaml:"name"`
	DSN          string        `yaml:"dsn"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	ConnMaxLife  time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdle  time.Duration `yaml:"conn_max_idle_time"`
}

type StorageConfig struct {
	Dialect             string           `yaml:"dialect"` // postgres or mysql
	Primary             EndpointConfig   `yaml:"primary"`
	Replicas            []EndpointConfig `yaml:"replicas"`
	HealthCheckInterval time.Duration    `yaml:"health_check_interval"`
}

type SchedulerConfig struct {
	PollInterval      time.Duration `yaml:"poll_interval"`
	LoadInterval      time.Duration `yaml:"load_interval"`
	MaxWorkers        int           `yaml:"max_workers"`
	MaxPerUser        int           `yaml:"max_per_user"`
	QueueSize         int           `yaml:"queue_size"`
	BackoffMinMinutes int           `yaml:"backoff_min_minutes"`
	BackoffMaxMinutes int           `yaml:"backoff_max_minutes"`
	StopTimeout       time.Duration `yaml:"stop_timeout"`
	StaleRunningAfter time.Duration `yaml:"stale_running_after"`
}

type GateConfig struct {
	RiskThreshold   float64 `yaml:"risk_threshold"`
	HealthThreshold float64 `yaml:"health_threshold"`
}

type ExecutorConfig struct {
	Name           string        `yaml:"name"` // registry key, "http" by default
	Endpoint       string        `yaml:"endpoint"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type RedisConfig struct {
	Addresses    []string      `yaml:"addresses"`
	DB           int           `yaml:"db"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	StreamMaxLen int64         `yaml:"stream_max_len"`
}

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Gate      GateConfig      `yaml:"gate"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Redis     RedisConfig     `yaml:"redis"`
	Logging   logging.Config  `yaml:"logging"`
}

// Load reads the yaml config, falling back to defaults when the file is
// missing, then applies environment overrides for the storage DSNs.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	b, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)
	return cfg, nil
}

// applyEnv lets deployments inject DSNs without editing the file:
// WARMQ_PRIMARY_DSN and a comma-separated WARMQ_REPLICA_DSNS.
func applyEnv(cfg *Config) {
	if dsn := os.Getenv("WARMQ_PRIMARY_DSN"); dsn != "" {
		cfg.Storage.Primary.DSN = dsn
	}
	if raw := os.Getenv("WARMQ_REPLICA_DSNS"); raw != "" {
		cfg.Storage.Replicas = cfg.Storage.Replicas[:0]
		for i, dsn := range strings.Split(raw, ",") {
			dsn = strings.TrimSpace(dsn)
			if dsn == "" {
				continue
			}
			cfg.Storage.Replicas = append(cfg.Storage.Replicas, EndpointConfig{
				Name:         "replica" + strconv.Itoa(i+1),
				DSN:          dsn,
				MaxOpenConns: 20,
				MaxIdleConns: 5,
				ConnMaxLife:  time.Hour,
			})
		}
	}
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080, GracefulTimeout: 10 * time.Second},
		Storage: StorageConfig{
			Dialect: "postgres",
			Primary: EndpointConfig{
				Name:         "primary",
				MaxOpenConns: 50,
				MaxIdleConns: 10,
				ConnMaxLife:  time.Hour,
			},
			HealthCheckInterval: 30 * time.Second,
		},
		Scheduler: SchedulerConfig{
			PollInterval:      time.Second,
			LoadInterval:      10 * time.Second,
			MaxWorkers:        3,
			MaxPerUser:        2,
			QueueSize:         1024,
			BackoffMinMinutes: 30,
			BackoffMaxMinutes: 90,
			StopTimeout:       30 * time.Second,
			StaleRunningAfter: 15 * time.Minute,
		},
		Gate:     GateConfig{RiskThreshold: 60, HealthThreshold: 40},
		Executor: ExecutorConfig{Name: "http", RequestTimeout: 15 * time.Second},
		Redis:    RedisConfig{Addresses: []string{"127.0.0.1:6379"}, DialTimeout: 5 * time.Second, StreamMaxLen: 1000},
		Logging:  logging.Config{Level: "info", Format: "console", Output: "stdout"},
	}
}
