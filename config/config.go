package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Redis      RedisConfig      `yaml:"redis"`
	Meli       MeliConfig       `yaml:"meli"`
	Parceldesk ParceldeskConfig `yaml:"parceldesk"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

type KafkaConfig struct {
	Host                    string `yaml:"host"`
	Port                    int    `yaml:"port"`
	PackageUpdatedTopicName string `yaml:"package_updated_topic_name"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// MeliConfig holds the MercadoLibre application credentials and endpoints.
type MeliConfig struct {
	BaseURL      string `yaml:"base_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURI  string `yaml:"redirect_uri"`
	UseFake      bool   `yaml:"use_fake"`
}

type ParceldeskConfig struct {
	HTTPAddr           string `yaml:"http_addr"`
	KafkaConsumerGroup string `yaml:"kafka_consumer_group"`

	CurrentPackageTTLSeconds int `yaml:"current_package_ttl_seconds"`

	LabelExportDir string `yaml:"label_export_dir"`

	// Fallback timezone for stores without one. Cutoff windows are computed
	// in this location; timestamps are persisted as UTC.
	DefaultTimezone string `yaml:"default_timezone"`

	SyncIntervalSeconds    int    `yaml:"sync_interval_seconds"`
	SyncBatchSize          int    `yaml:"sync_batch_size"`
	SyncBatchPauseMillis   int    `yaml:"sync_batch_pause_millis"`
	SyncRateLimitPerMinute int    `yaml:"sync_rate_limit_per_minute"`
	SyncHTTPAddr           string `yaml:"sync_http_addr"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}
