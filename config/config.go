package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabasePath  string
	ServerAddress string
	JWTSecret     string
	UploadsDir    string
	InvoicesDir   string
	CORSOrigins   []string
}

func Load() *Config {
	// Optional .env for local development; real deployments set the
	// environment directly.
	_ = godotenv.Load()

	return &Config{
		DatabasePath:  getEnv("DATABASE_PATH", "./casaflow.db"),
		ServerAddress: getEnv("SERVER_ADDRESS", ":8081"),
		JWTSecret:     getEnv("JWT_SECRET", "casaflow-secret-change-in-production"),
		UploadsDir:    getEnv("UPLOADS_DIR", "./uploads"),
		InvoicesDir:   getEnv("INVOICES_DIR", "./invoices"),
		CORSOrigins:   splitList(getEnv("CORS_ORIGINS", "*")),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
