package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// DBConfig 数据库配置
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	// SlowQueryMs 慢查询阈值（毫秒），0 表示使用默认值
	SlowQueryMs int `yaml:"slow_query_ms"`
}

// SQLiteConfig 本地 SQLite 存储配置（CLI / 单用户部署）
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// MQConfig 消息队列配置
type MQConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// JWTConfig JWT配置
type JWTConfig struct {
	Secret string `yaml:"secret"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Port string `yaml:"port"`
}

// GmailConfig Gmail 邮件源配置
type GmailConfig struct {
	Enabled         bool     `yaml:"enabled"`
	TokenPath       string   `yaml:"token_path"`
	CredentialsPath string   `yaml:"credentials_path"`
	Labels          []string `yaml:"labels"`
}

// IMAPConfig IMAP 邮件源配置
type IMAPConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	Folders  []string `yaml:"folders"`
}

// LLMConfig 模型分类配置；APIKey 为空时只使用关键词分类
type LLMConfig struct {
	BaseURL    string `yaml:"base_url"`
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	TimeoutSec int    `yaml:"timeout_sec"`
	MaxRetries int    `yaml:"max_retries"`
}

// SyncConfig 同步任务配置
type SyncConfig struct {
	DefaultHours int `yaml:"default_hours"`
	MaxResults   int `yaml:"max_results"`
	TimeoutSec   int `yaml:"timeout_sec"`
	// GuardTTLSec 每个用户同步互斥锁的过期时间
	GuardTTLSec int `yaml:"guard_ttl_sec"`
}

// Timeout 返回单次同步的超时时间
func (c SyncConfig) Timeout() time.Duration {
	if c.TimeoutSec <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.TimeoutSec) * time.Second
}

// OverrideDBFromEnv 从环境变量覆盖数据库配置
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

// OverrideSQLiteFromEnv 从环境变量覆盖 SQLite 路径
func OverrideSQLiteFromEnv(cfg *SQLiteConfig) {
	if path := os.Getenv("SQLITE_PATH"); path != "" {
		cfg.Path = path
	}
}

// OverrideMQFromEnv 从环境变量覆盖MQ配置
func OverrideMQFromEnv(cfg *MQConfig) {
	if url := os.Getenv("MQ_URL"); url != "" {
		cfg.URL = url
	}
}

// OverrideRedisFromEnv 从环境变量覆盖Redis配置
func OverrideRedisFromEnv(cfg *RedisConfig) {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Password = password
	}
}

// OverrideJWTFromEnv 从环境变量覆盖JWT配置
func OverrideJWTFromEnv(cfg *JWTConfig) {
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.Secret = secret
	}
}

// OverrideServerFromEnv 从环境变量覆盖服务器配置
func OverrideServerFromEnv(cfg *ServerConfig) {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}
}

// OverrideGmailFromEnv 从环境变量覆盖 Gmail 配置，GMAIL_LABELS 为逗号分隔
func OverrideGmailFromEnv(cfg *GmailConfig) {
	if path := os.Getenv("GMAIL_TOKEN_PATH"); path != "" {
		cfg.TokenPath = path
	}
	if path := os.Getenv("GMAIL_CREDS_PATH"); path != "" {
		cfg.CredentialsPath = path
	}
	if labels := os.Getenv("GMAIL_LABELS"); labels != "" {
		cfg.Labels = SplitList(labels)
	}
}

// OverrideIMAPFromEnv 从环境变量覆盖 IMAP 配置
func OverrideIMAPFromEnv(cfg *IMAPConfig) {
	if host := os.Getenv("IMAP_HOST"); host != "" {
		cfg.Host = host
	}
	if user := os.Getenv("IMAP_USERNAME"); user != "" {
		cfg.Username = user
	}
	if password := os.Getenv("IMAP_PASSWORD"); password != "" {
		cfg.Password = password
	}
}

// OverrideLLMFromEnv 从环境变量覆盖模型配置
func OverrideLLMFromEnv(cfg *LLMConfig) {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		cfg.APIKey = key
	}
	if url := os.Getenv("LLM_BASE_URL"); url != "" {
		cfg.BaseURL = url
	}
	if model := os.Getenv("LLM_MODEL"); model != "" {
		cfg.Model = model
	}
}

// SplitList 拆分逗号分隔的列表，忽略空项
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
