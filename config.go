package main

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

type config struct {
	Port         string
	DatabaseURL  string
	DBHost       string
	DBPort       string
	DBUser       string
	DBPassword   string
	DBName       string
	DBSSLMode    string
	DocstorePath string
	JWTSecret    string
	TokenTTL     time.Duration
	CacheTTL     time.Duration
	LogMode      string
}

// loadConfig reads settings from the environment with viper. Every key has a
// workable default except JWT_TOKEN_SECRET, which the server refuses to start
// without.
func loadConfig() (config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PORT", "3000")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("DB_HOST", "")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "commercyfy")
	v.SetDefault("DB_SSLMODE", "disable")
	v.SetDefault("DOCSTORE_PATH", "commercyfy-unstructured.db")
	v.SetDefault("JWT_TOKEN_SECRET", "")
	v.SetDefault("TOKEN_TTL", 3*time.Hour)
	v.SetDefault("CACHE_TTL", 45*time.Second)
	v.SetDefault("LOG_MODE", "production")

	cfg := config{
		Port:         v.GetString("PORT"),
		DatabaseURL:  v.GetString("DATABASE_URL"),
		DBHost:       v.GetString("DB_HOST"),
		DBPort:       v.GetString("DB_PORT"),
		DBUser:       v.GetString("DB_USER"),
		DBPassword:   v.GetString("DB_PASSWORD"),
		DBName:       v.GetString("DB_NAME"),
		DBSSLMode:    v.GetString("DB_SSLMODE"),
		DocstorePath: v.GetString("DOCSTORE_PATH"),
		JWTSecret:    v.GetString("JWT_TOKEN_SECRET"),
		TokenTTL:     v.GetDuration("TOKEN_TTL"),
		CacheTTL:     v.GetDuration("CACHE_TTL"),
		LogMode:      v.GetString("LOG_MODE"),
	}

	if cfg.JWTSecret == "" {
		return config{}, fmt.Errorf("JWT_TOKEN_SECRET is not set")
	}
	return cfg, nil
}

// connString assembles a Postgres DSN from the individual DB_* settings when
// DATABASE_URL is not given. An empty result means no database is configured.
func (c config) connString() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	if c.DBHost == "" {
		return ""
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}
