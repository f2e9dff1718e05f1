package config

import (
	"log"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Env               string `yaml:"env" env-required:"true"`
	ConnectionStrings `yaml:"connection_strings"`
	App               `yaml:"app"`
	Prometheus        `yaml:"prometheus"`
	Kafka             `yaml:"kafka"`
	Allocation        `yaml:"allocation_service"`
}

type ConnectionStrings struct {
	Postgres `yaml:"postgres"`
	Redis    `yaml:"redis"`
}

type Postgres struct {
	URL             string        `yaml:"url" env:"POSTGRES_URL" env-required:"true"`
	MaxConns        int32         `yaml:"max_conns" env-default:"20"`
	MinConns        int32         `yaml:"min_conns" env-default:"2"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env-default:"30m"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" env-default:"5m"`
}

type Redis struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR" env-required:"true"`
	Password string `yaml:"password" env:"REDIS_PASSWORD" env-default:""`
	DB       int    `yaml:"db" env-default:"0"`
}

type App struct {
	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout" env-default:"15s"`
	ServiceConfig           `yaml:"service_config"`
}

type ServiceConfig struct {
	PurchaseRetry   RetryConfig   `yaml:"purchase_retry"`
	AllocationRetry RetryConfig   `yaml:"allocation_retry"`
	SessionRetry    RetryConfig   `yaml:"session_retry"`
	CacheRetry      RetryConfig   `yaml:"cache_retry"`
	SessionWindow   int           `yaml:"session_window" env-default:"7"`
	SessionLowWater int           `yaml:"session_low_water" env-default:"3"`
	SweepSchedule   string        `yaml:"sweep_schedule" env-default:"@every 30m"`
	IndexCheckTTL   time.Duration `yaml:"index_check_ttl" env-default:"5m"`
}

type RetryConfig struct {
	Attempts uint          `yaml:"attempts" env-default:"3"`
	Delay    time.Duration `yaml:"delay" env-default:"200ms"`
	MaxDelay time.Duration `yaml:"max_delay" env-default:"5s"`
}

type Prometheus struct {
	HOST string `yaml:"host" env-required:"true"`
	PORT uint   `yaml:"port" env-required:"true"`
}

type Kafka struct {
	Brokers                []string `yaml:"brokers" env-required:"true"`
	Version                string   `yaml:"version" env-required:"true"`
	PurchaseConfirmedTopic string   `yaml:"purchase_confirmed_topic" env-default:"purchase-confirmed"`
	PurchaseCreatedTopic   string   `yaml:"purchase_created_topic" env-default:"purchase-created"`
	TrainerAllocatedTopic  string   `yaml:"trainer_allocated_topic" env-default:"trainer-allocated"`
	DLQTopic               string   `yaml:"dlq_topic" env-default:"dead-letter-queue"`
	PurchaseGroupID        string   `yaml:"purchase_group_id" env-default:"purchase-creation-workers"`
	AllocationGroupID      string   `yaml:"allocation_group_id" env-default:"trainer-allocation-workers"`
	SessionGroupID         string   `yaml:"session_group_id" env-default:"session-scheduling-workers"`
	CacheGroupID           string   `yaml:"cache_group_id" env-default:"cache-invalidation-workers"`
	Oldest                 bool     `yaml:"oldest" env-default:"true"`
	ReturnErrors           bool     `yaml:"return_errors" env-default:"true"`
}

type Allocation struct {
	BaseURL    string        `yaml:"base_url" env:"ALLOCATION_SERVICE_URL" env-required:"true"`
	RPCTimeout time.Duration `yaml:"rpc_timeout" env-default:"30s"`
}

func MustLoad() (cfg Config) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		log.Fatal("CONFIG_PATH environment variable not set")
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		log.Fatal("CONFIG_PATH does not exist")
	}

	err := cleanenv.ReadConfig(configPath, &cfg)
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}

	return
}
