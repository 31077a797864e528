package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                string
	DataDir             string
	JwtSecret           string
	LogLevel            string
	MaxConcurrentBuilds int
	MaxContextSize      string
	BuildTimeoutSeconds int
	ResolverCmd         string
	InstallPrefix       string
	PushRegistry        string

	Version string
	Env     string

	OtelEnabled           bool
	OtelEndpoint          string
	OtelServiceName       string
	OtelServiceInstanceID string
	OtelInsecure          bool
}

// Load loads configuration from environment variables
// Automatically loads .env file if present
func Load() *Config {
	// Try to load .env file (fail silently if not present)
	_ = godotenv.Load()

	hostname, _ := os.Hostname()

	cfg := &Config{
		Port:                getEnv("PORT", "8080"),
		DataDir:             getEnv("DATA_DIR", "/var/lib/kiln"),
		JwtSecret:           getEnv("JWT_SECRET", ""),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		MaxConcurrentBuilds: getEnvInt("MAX_CONCURRENT_BUILDS", 2),
		MaxContextSize:      getEnv("MAX_CONTEXT_SIZE", "512MB"),
		BuildTimeoutSeconds: getEnvInt("BUILD_TIMEOUT_SECONDS", 600),
		ResolverCmd:         getEnv("RESOLVER_CMD", ""),
		InstallPrefix:       getEnv("INSTALL_PREFIX", ""),
		PushRegistry:        getEnv("PUSH_REGISTRY", ""),

		Version: getEnv("VERSION", "dev"),
		Env:     getEnv("ENV", "development"),

		OtelEnabled:           getEnvBool("OTEL_ENABLED", false),
		OtelEndpoint:          getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OtelServiceName:       getEnv("OTEL_SERVICE_NAME", "kiln-api"),
		OtelServiceInstanceID: getEnv("OTEL_SERVICE_INSTANCE_ID", hostname),
		OtelInsecure:          getEnvBool("OTEL_INSECURE", true),
	}

	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
