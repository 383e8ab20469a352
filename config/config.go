package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	WorkerPool WorkerPoolConfig `mapstructure:"worker_pool"`
	Lifecycle  LifecycleConfig  `mapstructure:"lifecycle"`
	Realtime   RealtimeConfig   `mapstructure:"realtime"`
}

type ServerConfig struct {
	Port      int    `mapstructure:"port"`
	Mode      string `mapstructure:"mode"`
	PublicURL string `mapstructure:"public_url"`
	NodeID    string `mapstructure:"node_id"`
}

type PostgresConfig struct {
	Host         string `mapstructure:"host"`
	Port         string `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	DBName       string `mapstructure:"dbname"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         string `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
}

// KafkaConfig 离线 leave 通知队列。Enabled=false 时直接调用服务（降级模式）
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"`
	Output   string `mapstructure:"output"`
	FilePath string `mapstructure:"file_path"`
}

// RateLimitConfig holds per-minute budgets keyed by client IP.
type RateLimitConfig struct {
	CreatePerMinute     int `mapstructure:"create_per_minute"`
	CleanupPerMinute    int `mapstructure:"cleanup_per_minute"`
	MembershipPerMinute int `mapstructure:"membership_per_minute"`
}

type WorkerPoolConfig struct {
	Size      int `mapstructure:"size"`
	QueueSize int `mapstructure:"queue_size"`
}

// LifecycleConfig bounds group creation and idle expiry.
type LifecycleConfig struct {
	MaxGroups   int           `mapstructure:"max_groups"`
	GraceWindow time.Duration `mapstructure:"grace_window"`
	ListLimit   int           `mapstructure:"list_limit"`
	NameMax     int           `mapstructure:"name_max"`
	TagsMax     int           `mapstructure:"tags_max"`
}

type RealtimeConfig struct {
	WriteWait      time.Duration `mapstructure:"write_wait"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	SendBuffer     int           `mapstructure:"send_buffer"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 9000)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.public_url", "http://localhost:9000")
	v.SetDefault("server.node_id", "node-1")

	v.SetDefault("postgres.host", "127.0.0.1")
	v.SetDefault("postgres.port", "5432")
	v.SetDefault("postgres.max_idle_conns", 10)
	v.SetDefault("postgres.max_open_conns", 50)

	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.min_idle_conns", 2)

	v.SetDefault("kafka.topic", "ghostroom.membership")
	v.SetDefault("kafka.group_id", "ghostroom-membership")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("ratelimit.create_per_minute", 5)
	v.SetDefault("ratelimit.cleanup_per_minute", 30)
	v.SetDefault("ratelimit.membership_per_minute", 60)

	v.SetDefault("worker_pool.size", 32)
	v.SetDefault("worker_pool.queue_size", 1024)

	v.SetDefault("lifecycle.max_groups", 10)
	v.SetDefault("lifecycle.grace_window", 5*time.Minute)
	v.SetDefault("lifecycle.list_limit", 10)
	v.SetDefault("lifecycle.name_max", 30)
	v.SetDefault("lifecycle.tags_max", 5)

	v.SetDefault("realtime.write_wait", 10*time.Second)
	v.SetDefault("realtime.pong_wait", 60*time.Second)
	v.SetDefault("realtime.max_message_size", 64*1024)
	v.SetDefault("realtime.send_buffer", 256)
}

// LoadConfig 读取 TOML 配置文件，缺省项使用默认值，环境变量 GHOSTROOM_* 可覆盖
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetEnvPrefix("GHOSTROOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	return &config, nil
}
