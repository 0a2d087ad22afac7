package database

import "strings"

// Driver represents a database backend type.
type Driver string

const (
	DriverMySQL    Driver = "mysql"
	DriverPostgres Driver = "postgres"
	DriverSQLite   Driver = "sqlite"
)

// DetectDriver picks the backend from an explicit name or the connection URL.
// An empty URL selects MySQL, which is what the DB_* host settings describe.
func DetectDriver(explicit, url string) Driver {
	switch Driver(strings.ToLower(strings.TrimSpace(explicit))) {
	case DriverMySQL:
		return DriverMySQL
	case DriverPostgres:
		return DriverPostgres
	case DriverSQLite:
		return DriverSQLite
	}

	switch {
	case url == "":
		return DriverMySQL
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return DriverPostgres
	case strings.HasPrefix(url, "mysql://"):
		return DriverMySQL
	case strings.HasPrefix(url, "sqlite://"),
		strings.HasPrefix(url, "file:"),
		url == ":memory:",
		strings.HasSuffix(url, ".db"),
		strings.HasSuffix(url, ".sqlite"),
		strings.HasSuffix(url, ".sqlite3"):
		return DriverSQLite
	}
	return DriverMySQL
}
