// Package config содержит логику чтения конфигурации сервиса сети лояльности.
package config

import (
	"flag"
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса сети лояльности.
type Config struct {
	RunAddress     string `env:"RUN_ADDRESS"`
	DatabaseURI    string `env:"DATABASE_URI"`
	RabbitURL      string `env:"RABBIT_URL"`
	CRMAddress     string `env:"CRM_ADDRESS"`
	RedisAddress   string `env:"REDIS_ADDRESS"`
	CodePrefix     string `env:"CODE_PREFIX"`
	AuthSecret     string `env:"AUTH_SECRET"`
	PermissiveMode bool   `env:"PERMISSIVE_MODE"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Значения окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envRabbitURL := cfg.RabbitURL
	envCRMAddress := cfg.CRMAddress
	envRedisAddress := cfg.RedisAddress
	envCodePrefix := cfg.CodePrefix
	envAuthSecret := cfg.AuthSecret
	envPermissive := cfg.PermissiveMode
	_, permissiveSet := os.LookupEnv("PERMISSIVE_MODE")

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.RabbitURL, "mq", "", "RabbitMQ URL for notification triggers")
	flag.StringVar(&cfg.CRMAddress, "crm", "", "CRM customer sink address")
	flag.StringVar(&cfg.RedisAddress, "cache", "", "Redis address for summary cache")
	flag.StringVar(&cfg.CodePrefix, "prefix", "BNF", "validation code prefix")
	flag.StringVar(&cfg.AuthSecret, "secret", "", "admin token secret")
	flag.BoolVar(&cfg.PermissiveMode, "permissive", true, "log soft validation failures instead of rejecting")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envRabbitURL != "" {
		cfg.RabbitURL = envRabbitURL
	}
	if envCRMAddress != "" {
		cfg.CRMAddress = envCRMAddress
	}
	if envRedisAddress != "" {
		cfg.RedisAddress = envRedisAddress
	}
	if envCodePrefix != "" {
		cfg.CodePrefix = envCodePrefix
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}
	if permissiveSet {
		cfg.PermissiveMode = envPermissive
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}
