package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("JWT_SECRET", "")
	t.Setenv("LISTEN_ADDR", "")

	cfg := Load()
	assert.Contains(t, cfg.DatabaseURL, "exchange_db")
	assert.Equal(t, "dev-only-jwt-secret", cfg.JWTSecret)
	assert.Equal(t, ":8080", cfg.ListenAddr)
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://elsewhere:5432/other_db")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("LISTEN_ADDR", ":9999")

	cfg := Load()
	assert.Equal(t, "postgres://elsewhere:5432/other_db", cfg.DatabaseURL)
	assert.Equal(t, "s3cret", cfg.JWTSecret)
	assert.Equal(t, ":9999", cfg.ListenAddr)
}
