package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Trello    TrelloConfig    `mapstructure:"trello"`
	Filter    FilterConfig    `mapstructure:"filter"`
	Retention RetentionConfig `mapstructure:"retention"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type StorageConfig struct {
	Driver string       `mapstructure:"driver"`
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type TrelloConfig struct {
	APIKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url"`
	CommentTimeout time.Duration `mapstructure:"comment_timeout"`
}

type FilterConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	MaxOutput int           `mapstructure:"max_output"`
	Workers   int           `mapstructure:"workers"`
}

type RetentionConfig struct {
	RequestTTL    time.Duration `mapstructure:"request_ttl"`
	MaxRequests   int           `mapstructure:"max_requests"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func Load(path string) (*Config, error) {
	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("cardhook")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/cardhook")
	}

	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvPrefix("CARDHOOK")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 30*time.Second)
	viper.SetDefault("server.write_timeout", 30*time.Second)

	viper.SetDefault("storage.driver", "sqlite")
	viper.SetDefault("storage.sqlite.path", "./data/cardhook.db")

	viper.SetDefault("trello.base_url", "https://api.trello.com")
	viper.SetDefault("trello.comment_timeout", 10*time.Second)

	viper.SetDefault("filter.timeout", 2*time.Second)
	viper.SetDefault("filter.max_output", 64*1024)
	viper.SetDefault("filter.workers", 16)

	viper.SetDefault("retention.request_ttl", 30*24*time.Hour)
	viper.SetDefault("retention.max_requests", 5)
	viper.SetDefault("retention.sweep_interval", time.Hour)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
}
