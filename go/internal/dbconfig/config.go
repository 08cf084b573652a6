package dbconfig

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds Postgres connection settings for the history store.
type Config struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
}

func Default() Config {
	return Config{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "postgres",
		Database: "lanride",
		SSLMode:  "disable",
	}
}

// FromEnv overlays LANRIDE_DB_* environment variables on c.
func (c Config) FromEnv() Config {
	c.Host = getEnv("LANRIDE_DB_HOST", c.Host)
	if v := os.Getenv("LANRIDE_DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	c.User = getEnv("LANRIDE_DB_USER", c.User)
	c.Password = getEnv("LANRIDE_DB_PASSWORD", c.Password)
	c.Database = getEnv("LANRIDE_DB_NAME", c.Database)
	c.SSLMode = getEnv("LANRIDE_DB_SSLMODE", c.SSLMode)
	return c
}

// DSN returns the Postgres connection URL.
func (c Config) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
