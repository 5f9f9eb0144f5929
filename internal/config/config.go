package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	MLLPListenPort  int
	WebPort         int
	DatabaseURL     string
	DataPath        string
	ReadIdleTimeout time.Duration
	LogLevel        string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		MLLPListenPort:  getEnvAsInt("HL7_LISTEN_PORT", 2575),
		WebPort:         getEnvAsInt("WEB_PORT", 5678),
		DatabaseURL:     getEnv("DATABASE_URL", ""), // Boş ise bellek içi store kullanılır
		DataPath:        getEnv("DATA_PATH", "/data"),
		ReadIdleTimeout: getEnvAsDuration("READ_IDLE_TIMEOUT", 30*time.Second),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
	}

	setupLogger(cfg.LogLevel)

	slog.Info("Yapılandırma yüklendi",
		"mllpPort", cfg.MLLPListenPort,
		"webPort", cfg.WebPort,
		"readIdleTimeout", cfg.ReadIdleTimeout.String(),
		"databaseConfigured", cfg.DatabaseURL != "",
	)

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvAsDuration reads the value in seconds; 0 disables the timeout.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return time.Duration(intValue) * time.Second
		}
	}
	return defaultValue
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, opts))
	slog.SetDefault(logger)
}
