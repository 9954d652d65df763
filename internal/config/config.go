package config

import (
	"fmt"

	"jobtrail/pkg/config"
)

type Config struct {
	DB     config.DBConfig     `yaml:"db"`
	SQLite config.SQLiteConfig `yaml:"sqlite"`
	Redis  config.RedisConfig  `yaml:"redis"`
	MQ     config.MQConfig     `yaml:"mq"`
	JWT    config.JWTConfig    `yaml:"jwt"`
	Server config.ServerConfig `yaml:"server"`
	Gmail  config.GmailConfig  `yaml:"gmail"`
	IMAP   config.IMAPConfig   `yaml:"imap"`
	LLM    config.LLMConfig    `yaml:"llm"`
	Sync   config.SyncConfig   `yaml:"sync"`
}

// Load 读取 configDir 下的 base.yaml 与 <env>.yaml，再用环境变量覆盖
func Load(env, configDir string) (*Config, error) {
	var cfg Config
	if err := config.Decode(env, configDir, &cfg); err != nil {
		return nil, fmt.Errorf("load config (env=%s): %w", env, err)
	}

	config.OverrideDBFromEnv(&cfg.DB)
	config.OverrideSQLiteFromEnv(&cfg.SQLite)
	config.OverrideRedisFromEnv(&cfg.Redis)
	config.OverrideMQFromEnv(&cfg.MQ)
	config.OverrideJWTFromEnv(&cfg.JWT)
	config.OverrideServerFromEnv(&cfg.Server)
	config.OverrideGmailFromEnv(&cfg.Gmail)
	config.OverrideIMAPFromEnv(&cfg.IMAP)
	config.OverrideLLMFromEnv(&cfg.LLM)

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.SQLite.Path == "" {
		cfg.SQLite.Path = "data/jobtrail.db"
	}
	if cfg.Gmail.TokenPath == "" {
		cfg.Gmail.TokenPath = "token.json"
	}
	if cfg.Gmail.CredentialsPath == "" {
		cfg.Gmail.CredentialsPath = "credentials.json"
	}
	if len(cfg.Gmail.Labels) == 0 {
		cfg.Gmail.Labels = []string{"INBOX"}
	}
	if cfg.Sync.DefaultHours <= 0 {
		cfg.Sync.DefaultHours = 24
	}
	if cfg.Sync.MaxResults <= 0 {
		cfg.Sync.MaxResults = 100
	}
	if cfg.Sync.GuardTTLSec <= 0 {
		cfg.Sync.GuardTTLSec = 600
	}
}
