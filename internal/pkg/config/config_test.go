package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/BillFox/internal/pkg/env"
)

const testSecret = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestLoadDefaults(t *testing.T) {
	env.Env = map[string]string{"BILLING_SECRET_KEY": testSecret}
	t.Cleanup(func() { env.Env = nil })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "localhost:4000", cfg.ListenAddr())
	assert.Equal(t, 24*time.Hour, cfg.RetryBaseDelay)
	assert.Equal(t, 72*time.Hour, cfg.RetryMaxDelay)
	assert.Equal(t, 3, cfg.RetryMaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.ProcessorTimeout)
	assert.Equal(t, "redis", cfg.LockBackend)
	assert.Equal(t, 5*time.Minute, cfg.ReprocessInterval)
	assert.Equal(t, "billing.events", cfg.AMQPExchange)
	assert.Empty(t, cfg.APIToken)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		env   map[string]string
		field string
	}{
		{"missing secret", map[string]string{}, "SecretKey"},
		{"short secret", map[string]string{"BILLING_SECRET_KEY": "abcd"}, "SecretKey"},
		{"bad driver", map[string]string{"BILLING_SECRET_KEY": testSecret, "DB_DRIVER": "oracle"}, "DBDriver"},
		{"max below base", map[string]string{"BILLING_SECRET_KEY": testSecret, "RETRY_MAX_DELAY": "1h"}, "RetryMaxDelay"},
		{"too many attempts", map[string]string{"BILLING_SECRET_KEY": testSecret, "RETRY_MAX_ATTEMPTS": "50"}, "RetryMaxAttempts"},
		{"bad lock backend", map[string]string{"BILLING_SECRET_KEY": testSecret, "LOCK_BACKEND": "etcd"}, "LockBackend"},
		{"short api token", map[string]string{"BILLING_SECRET_KEY": testSecret, "API_TOKEN": "short"}, "APIToken"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env.Env = tt.env
			t.Cleanup(func() { env.Env = nil })

			_, err := Load()
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.field), err.Error())
		})
	}
}
