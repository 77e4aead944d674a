package application

import (
	"time"

	"github.com/lk2023060901/guessr-gateway/internal/gateway"
	"github.com/lk2023060901/guessr-gateway/internal/store"
	"github.com/lk2023060901/guessr-gateway/internal/verify"
	zviper "github.com/lk2023060901/guessr-gateway/pkg/util/viper"
)

// 凭证解析方式。
const (
	IdentityModeSecret = "secret"
	IdentityModeJWT    = "jwt"
)

// Config 为网关进程的完整配置。
type Config struct {
	Server    ServerConfig      `mapstructure:"server"`
	Verify    verify.Config     `mapstructure:"verify"`
	Reconnect gateway.Config    `mapstructure:"reconnect"`
	Identity  IdentityConfig    `mapstructure:"identity"`
	Mongo     store.MongoConfig `mapstructure:"mongo"`
	Redis     store.RedisConfig `mapstructure:"redis"`
	Metrics   MetricsConfig     `mapstructure:"metrics"`
	Pool      PoolConfig        `mapstructure:"pool"`
}

type ServerConfig struct {
	Addr           string        `mapstructure:"addr"`
	Path           string        `mapstructure:"path"`
	ReadTimeout    time.Duration `mapstructure:"readTimeout"`
	WriteTimeout   time.Duration `mapstructure:"writeTimeout"`
	SendQueueSize  int           `mapstructure:"sendQueueSize"`
	AllowAnyOrigin bool          `mapstructure:"allowAnyOrigin"`
}

type IdentityConfig struct {
	Mode      string `mapstructure:"mode"`
	JWTKey    string `mapstructure:"jwtKey"`
	JWTIssuer string `mapstructure:"jwtIssuer"`
}

type MetricsConfig struct {
	// Addr 为空时不启动指标服务。
	Addr string `mapstructure:"addr"`
}

type PoolConfig struct {
	// Size 为好友补全等后台查询使用的协程池容量。
	Size int `mapstructure:"size"`
	// IdleExpiry 为空闲 worker 的回收间隔。
	IdleExpiry time.Duration `mapstructure:"idleExpiry"`
}

// setDefaults 为每个配置项注册默认值，环境变量只能覆盖已知的键。
func setDefaults(cfg *zviper.Config) {
	defaults := map[string]any{
		"server.addr":             ":8080",
		"server.path":             "/ws",
		"server.readTimeout":      "60s",
		"server.writeTimeout":     "10s",
		"server.sendQueueSize":    256,
		"server.allowAnyOrigin":   false,
		"verify.timeout":          "10s",
		"reconnect.grace":         "5m",
		"reconnect.purgeInterval": "10s",
		"identity.mode":           IdentityModeSecret,
		"identity.jwtKey":         "",
		"identity.jwtIssuer":      "",
		"mongo.uri":               "",
		"mongo.database":          "guessr",
		"mongo.collection":        "users",
		"mongo.connectTimeout":    "10s",
		"mongo.retryAttempts":     3,
		"mongo.retryInterval":     "2s",
		"redis.addr":              "",
		"redis.password":          "",
		"redis.db":                0,
		"redis.ttl":               "1m",
		"metrics.addr":            ":9090",
		"pool.size":               64,
		"pool.idleExpiry":         "1m",
	}
	for k, v := range defaults {
		cfg.SetDefault(k, v)
	}
}
