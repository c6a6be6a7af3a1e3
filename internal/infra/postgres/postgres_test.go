package postgres

import (
	"testing"
	"time"

	"github.com/sifan077/PowerSuffix/config"
	"github.com/stretchr/testify/assert"
)

func TestConnString_Defaults(t *testing.T) {
	got := ConnString(config.PostgresConfig{Database: "powersuffix"})
	assert.Equal(t, "postgres://localhost:5432/powersuffix?sslmode=disable", got)
}

func TestConnString_EscapesCredentials(t *testing.T) {
	got := ConnString(config.PostgresConfig{
		Host:     "db",
		Port:     6432,
		User:     "app",
		Password: "p@ss/word",
		Database: "suffixes",
		SSLMode:  "require",
	})
	assert.Equal(t, "postgres://app:p%40ss%2Fword@db:6432/suffixes?sslmode=require", got)
}

func TestSetDuration(t *testing.T) {
	d := time.Minute
	setDuration(&d, "")
	assert.Equal(t, time.Minute, d)
	setDuration(&d, "bogus")
	assert.Equal(t, time.Minute, d)
	setDuration(&d, "30m")
	assert.Equal(t, 30*time.Minute, d)
}
