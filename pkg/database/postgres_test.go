package database

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/noah-isme/training-ops-engine/pkg/config"
)

func TestDSN(t *testing.T) {
	dsn := DSN(config.DatabaseConfig{Host: "db", Port: 5433, User: "ops", Password: "pw", Name: "training_ops", SSLMode: "require"})
	assert.Equal(t, "host=db port=5433 user=ops password=pw dbname=training_ops sslmode=require", dsn)
}
