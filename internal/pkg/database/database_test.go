package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/BillFox/app/models"
	"github.com/ManuelReschke/BillFox/internal/pkg/config"
)

func TestDetectDriver(t *testing.T) {
	tests := []struct {
		explicit string
		url      string
		want     Driver
	}{
		{"", "", DriverMySQL},
		{"postgres", "", DriverPostgres},
		{" SQLite ", "", DriverSQLite},
		{"", "postgres://u:p@localhost/db", DriverPostgres},
		{"", "postgresql://localhost/db", DriverPostgres},
		{"", "mysql://u:p@tcp(db:3306)/billing", DriverMySQL},
		{"", "file:billing.db", DriverSQLite},
		{"", "./data/billing.sqlite3", DriverSQLite},
		{"", ":memory:", DriverSQLite},
		{"", "u:p@tcp(db:3306)/billing", DriverMySQL},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DetectDriver(tt.explicit, tt.url), "%q %q", tt.explicit, tt.url)
	}
}

func TestDSNFor(t *testing.T) {
	cfg := &config.Config{DBHost: "db", DBPort: "3306", DBUser: "bill", DBPass: "secret", DBName: "billfox"}

	assert.Equal(t, "bill:secret@tcp(db:3306)/billfox?charset=utf8mb4&parseTime=True&loc=UTC", dsnFor(DriverMySQL, cfg))
	assert.Contains(t, dsnFor(DriverPostgres, cfg), "host=db user=bill")
	assert.Equal(t, "billfox.db", dsnFor(DriverSQLite, cfg))

	cfg.DBURL = "mysql://u:p@tcp(x:1)/y"
	assert.Equal(t, "u:p@tcp(x:1)/y", dsnFor(DriverMySQL, cfg))
}

func TestOpenInMemoryMigratesSchema(t *testing.T) {
	conn, err := OpenInMemory(t.Name())
	require.NoError(t, err)

	for _, model := range []interface{}{
		&models.Plan{},
		&models.Subscription{},
		&models.SubscriptionEvent{},
		&models.Invoice{},
		&models.Transaction{},
		&models.Contact{},
		&models.TenantBillingSettings{},
	} {
		assert.True(t, conn.Migrator().HasTable(model))
	}
}
