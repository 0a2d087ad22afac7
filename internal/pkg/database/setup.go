package database

import (
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/ManuelReschke/BillFox/app/models"
	"github.com/ManuelReschke/BillFox/internal/pkg/config"
)

const maxRetries = 5
const retryDelay = 5 * time.Second

var db *gorm.DB

// GetDB returns the connection opened by SetupDatabase.
func GetDB() *gorm.DB {
	return db
}

// SetupDatabase opens the configured database, retrying while it comes up,
// and migrates the billing schema.
func SetupDatabase(cfg *config.Config) (*gorm.DB, error) {
	driver := DetectDriver(cfg.DBDriver, cfg.DBURL)

	var err error
	for i := 0; i < maxRetries; i++ {
		var conn *gorm.DB
		conn, err = Open(driver, dsnFor(driver, cfg))
		if err == nil {
			if err = AutoMigrate(conn); err != nil {
				return nil, err
			}
			db = conn
			log.Infof("[Database] Connected using %s driver", driver)
			return db, nil
		}

		log.Warnf("[Database] Failed to connect (try %d/%d): %v", i+1, maxRetries, err)
		if i < maxRetries-1 {
			time.Sleep(retryDelay)
		}
	}
	return nil, err
}

// Open connects to the given backend.
func Open(driver Driver, dsn string) (*gorm.DB, error) {
	gormCfg := &gorm.Config{}
	switch driver {
	case DriverPostgres:
		return gorm.Open(postgres.Open(dsn), gormCfg)
	case DriverSQLite:
		conn, err := gorm.Open(sqlite.Open(dsn), gormCfg)
		if err != nil {
			return nil, err
		}
		// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
		sqlDB, err := conn.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
		return conn, nil
	default:
		return gorm.Open(mysql.New(mysql.Config{
			DSN:                       dsn,
			DefaultStringSize:         256,
			DisableDatetimePrecision:  true,
			DontSupportRenameIndex:    true,
			DontSupportRenameColumn:   true,
			SkipInitializeWithVersion: false,
		}), gormCfg)
	}
}

// OpenInMemory returns a migrated, private SQLite database. name keeps
// parallel callers apart.
func OpenInMemory(name string) (*gorm.DB, error) {
	safe := strings.NewReplacer("/", "_", " ", "_").Replace(name)
	conn, err := Open(DriverSQLite, fmt.Sprintf("file:%s?mode=memory&cache=shared", safe))
	if err != nil {
		return nil, err
	}
	if err := AutoMigrate(conn); err != nil {
		return nil, err
	}
	return conn, nil
}

// AutoMigrate creates or updates the billing tables.
func AutoMigrate(conn *gorm.DB) error {
	return conn.AutoMigrate(
		&models.TenantBillingSettings{},
		&models.Contact{},
		&models.Plan{},
		&models.Subscription{},
		&models.SubscriptionEvent{},
		&models.Invoice{},
		&models.Transaction{},
	)
}

func dsnFor(driver Driver, cfg *config.Config) string {
	if cfg.DBURL != "" {
		url := cfg.DBURL
		switch driver {
		case DriverMySQL:
			url = strings.TrimPrefix(url, "mysql://")
		case DriverSQLite:
			url = strings.TrimPrefix(url, "sqlite://")
		}
		return url
	}

	switch driver {
	case DriverPostgres:
		return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
			cfg.DBHost, cfg.DBUser, cfg.DBPass, cfg.DBName, cfg.DBPort)
	case DriverSQLite:
		return cfg.DBName + ".db"
	default:
		// "user:pass@tcp(127.0.0.1:3306)/dbname?charset=utf8mb4&parseTime=True&loc=Local"
		return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	}
}
