package config

import (
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config 客户端与命令行工具共用的配置，来自 OPEND_* 环境变量
type Config struct {
	Host              string
	Port              int
	ClientID          string // 为空时握手生成
	ClientVer         int32
	Encrypt           bool
	RequestTimeout    time.Duration
	KeepaliveMisses   int
	Reconnect         bool
	ReconnectInterval time.Duration
	MetricsAddr       string // 为空不启动 /metrics
	RelayAddr         string // 推送的 WebSocket 中继地址，为空不启动
	RedisAddr         string // 推送镜像到 Redis Stream，为空不启用
	RedisStream       string
	LogLevel          string
	LogFormat         string // json | console
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	n, err := strconv.Atoi(getEnv(key, ""))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func getBool(key string, def bool) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(getEnv(key, "")))
	if err != nil {
		return def
	}
	return b
}

func getDuration(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(getEnv(key, ""))
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func Load() *Config {
	return &Config{
		Host:              getEnv("OPEND_HOST", "127.0.0.1"),
		Port:              getInt("OPEND_PORT", 11111),
		ClientID:          getEnv("OPEND_CLIENT_ID", ""),
		ClientVer:         int32(getInt("OPEND_CLIENT_VER", 100)),
		Encrypt:           getBool("OPEND_ENCRYPT", false),
		RequestTimeout:    getDuration("OPEND_REQUEST_TIMEOUT", 10*time.Second),
		KeepaliveMisses:   getInt("OPEND_KEEPALIVE_MISSES", 3),
		Reconnect:         getBool("OPEND_RECONNECT", true),
		ReconnectInterval: getDuration("OPEND_RECONNECT_INTERVAL", 5*time.Second),
		MetricsAddr:       getEnv("OPEND_METRICS_ADDR", ""),
		RelayAddr:         getEnv("OPEND_RELAY_ADDR", ""),
		RedisAddr:         getEnv("OPEND_REDIS_ADDR", ""),
		RedisStream:       getEnv("OPEND_REDIS_STREAM", "opend:push"),
		LogLevel:          getEnv("OPEND_LOG_LEVEL", "info"),
		LogFormat:         getEnv("OPEND_LOG_FORMAT", "json"),
	}
}

// Addr 网关地址 host:port
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
