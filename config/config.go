package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config stores the application configuration.
type Config struct {
	Origin   string // 深链接前缀，例如 https://1qfm.example
	DeviceID string // 为空时每次启动生成新的设备ID

	// 传输层
	Transport      string // memory, redis, nats, ws
	NatsURL        string
	RelayAddr      string // relay 服务监听地址
	RelayURL       string // ws 传输连接的 relay 地址
	RelayJWTSecret string
	RelayToken     string

	// Redis配置
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// 数据库配置
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// MinIO配置
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	MinioRegion    string

	// 音源 / 歌词
	ProviderChain     []string
	ProviderChainFile string
	StreamQuality     string
	NeteaseAPIURL     string
	LrclibURL         string
	ResolveTimeout    time.Duration
	StreamCacheTTL    time.Duration

	// 同步参数
	DriftThreshold      time.Duration
	DriftGrace          time.Duration
	PublishInterval     time.Duration
	AnnounceRetries     int
	AnnounceInterval    time.Duration
	LatencyCompensation bool

	// 日志
	LogLevel string
	LogFile  string
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// getEnvInt gets an environment variable as int or returns a default value.
func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts Go duration strings ("1500ms") or plain seconds ("3").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return fallback
}

// splitList splits a comma separated list, dropping blanks.
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Load loads configuration from environment variables (via .env file) or defaults.
func Load() *Config {
	// godotenv.Load() will not override existing env vars.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found or error loading .env, relying on existing environment variables and defaults.")
	}

	return &Config{
		Origin:   strings.TrimRight(getEnv("ORIGIN", "http://localhost:8080"), "/"),
		DeviceID: getEnv("DEVICE_ID", ""),

		Transport:      getEnv("TRANSPORT", "redis"),
		NatsURL:        getEnv("NATS_URL", "nats://127.0.0.1:4222"),
		RelayAddr:      getEnv("RELAY_ADDR", ":8080"),
		RelayURL:       getEnv("RELAY_URL", "ws://localhost:8080"),
		RelayJWTSecret: getEnv("RELAY_JWT_SECRET", ""),
		RelayToken:     getEnv("RELAY_TOKEN", ""),

		RedisHost:     getEnv("REDIS_HOST", "127.0.0.1"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""), // 默认无密码
		RedisDB:       getEnvInt("REDIS_DB", 0),

		DBHost:     getEnv("DB_HOST", "127.0.0.1"),
		DBPort:     getEnv("DB_PORT", "3306"),
		DBUser:     getEnv("DB_USER", "root"),
		DBPassword: os.Getenv("DB_PASSWORD"),
		DBName:     getEnv("DB_NAME", "fm"),

		MinioEndpoint:  getEnv("MINIO_ENDPOINT", ""),
		MinioAccessKey: getEnv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: getEnv("MINIO_SECRET_KEY", ""),
		MinioBucket:    getEnv("MINIO_BUCKET", "bt1qfm"),
		MinioUseSSL:    getEnvBool("MINIO_USE_SSL", false),
		MinioRegion:    getEnv("MINIO_REGION", ""),

		ProviderChain:     splitList(getEnv("PROVIDER_CHAIN", "netease,library,minio")),
		ProviderChainFile: getEnv("PROVIDER_CHAIN_FILE", ""),
		StreamQuality:     getEnv("STREAM_QUALITY", "exhigh"),
		NeteaseAPIURL:     getEnv("NETEASE_API_URL", "http://localhost:3000"),
		LrclibURL:         getEnv("LRCLIB_URL", "https://lrclib.net"),
		ResolveTimeout:    getEnvDuration("RESOLVE_TIMEOUT", 15*time.Second),
		StreamCacheTTL:    getEnvDuration("STREAM_CACHE_TTL", 10*time.Minute),

		DriftThreshold:      getEnvDuration("DRIFT_THRESHOLD", 3*time.Second),
		DriftGrace:          getEnvDuration("DRIFT_GRACE", 5*time.Second),
		PublishInterval:     getEnvDuration("PUBLISH_INTERVAL", time.Second),
		AnnounceRetries:     getEnvInt("ANNOUNCE_RETRIES", 3),
		AnnounceInterval:    getEnvDuration("ANNOUNCE_INTERVAL", 2*time.Second),
		LatencyCompensation: getEnvBool("LATENCY_COMPENSATION", false),

		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogFile:  getEnv("LOG_FILE", ""),
	}
}
