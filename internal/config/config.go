package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"sudooom.im.chatsync/internal/history"
	"sudooom.im.chatsync/internal/livefeed"
	"sudooom.im.chatsync/internal/presence"
	"sudooom.im.chatsync/internal/task"
)

// EnvPrefix 环境变量前缀，如 CHATSYNC_REDIS_HOST 覆盖 redis.host
const EnvPrefix = "CHATSYNC"

type Config struct {
	App       AppConfig       `mapstructure:"app"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	Stream    StreamConfig    `mapstructure:"stream"`
	History   history.Config  `mapstructure:"history"`
	LiveFeed  livefeed.Config `mapstructure:"livefeed"`
	Presence  presence.Config `mapstructure:"presence"`
	Scheduler task.Config     `mapstructure:"scheduler"`
}

type AppConfig struct {
	Name     string `mapstructure:"name"`
	NodeID   int64  `mapstructure:"node_id"` // snowflake 节点号
	LogLevel string `mapstructure:"log_level"`
}

type HTTPConfig struct {
	Addr        string        `mapstructure:"addr"`
	HealthAddr  string        `mapstructure:"health_addr"`
	Mode        string        `mapstructure:"mode"`
	MaxWait     time.Duration `mapstructure:"max_wait"` // 长轮询最长等待
	IdleSession time.Duration `mapstructure:"idle_session"`
}

type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	PageSize        int           `mapstructure:"page_size"`
}

// DSN 连接串
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// Addr host:port
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type JWTConfig struct {
	SecretKey string `mapstructure:"secret_key"`
	Issuer    string `mapstructure:"issuer"`
}

type StreamConfig struct {
	BufferSize int `mapstructure:"buffer_size"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "chatsync")
	v.SetDefault("app.node_id", 1)
	v.SetDefault("app.log_level", "info")

	v.SetDefault("http.addr", ":8090")
	v.SetDefault("http.health_addr", ":8091")
	v.SetDefault("http.mode", "release")
	v.SetDefault("http.max_wait", 30*time.Second)
	v.SetDefault("http.idle_session", 30*time.Minute)

	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)

	v.SetDefault("database.host", "127.0.0.1")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "im")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.page_size", 50)

	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)

	v.SetDefault("jwt.secret_key", "")
	v.SetDefault("jwt.issuer", "")

	v.SetDefault("stream.buffer_size", 256)

	hc := history.DefaultConfig()
	v.SetDefault("history.retry_budget", hc.RetryBudget)
	v.SetDefault("history.initial_interval", hc.InitialInterval)
	v.SetDefault("history.breaker_failures", hc.BreakerFailures)
	v.SetDefault("history.breaker_timeout", hc.BreakerTimeout)

	lc := livefeed.DefaultConfig()
	v.SetDefault("livefeed.initial_interval", lc.InitialInterval)
	v.SetDefault("livefeed.max_interval", lc.MaxInterval)
	v.SetDefault("livefeed.retry_budget", lc.RetryBudget)
	v.SetDefault("livefeed.catch_up_interval", lc.CatchUpInterval)

	v.SetDefault("presence.ttl", 5*time.Second)
	v.SetDefault("presence.signal_timeout", 3*time.Second)

	v.SetDefault("scheduler.tick", 500*time.Millisecond)
	v.SetDefault("scheduler.slots", 120)
	v.SetDefault("scheduler.workers", 4)
}

// Load 从指定路径加载配置，path 为空时只使用默认值和环境变量
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.JWT.SecretKey == "" {
		return fmt.Errorf("jwt.secret_key 不能为空")
	}
	if c.App.NodeID < 0 || c.App.NodeID > 1023 {
		return fmt.Errorf("app.node_id 超出范围: %d", c.App.NodeID)
	}
	if c.Scheduler.Tick <= 0 {
		return fmt.Errorf("scheduler.tick 必须大于 0")
	}
	return nil
}
