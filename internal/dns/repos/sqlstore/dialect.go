package sqlstore

import (
	"fmt"
	"strings"
)

// dialect captures the few places PostgreSQL and SQLite differ.
type dialect struct {
	name       string // config and migration directory name
	driverName string // database/sql driver
	lockRow    string // appended to a single-row SELECT inside a write transaction
}

var (
	postgresDialect = dialect{name: "postgres", driverName: "pgx", lockRow: " FOR UPDATE"}
	// SQLite has no row locks; transactions begin IMMEDIATE and take the
	// database write lock up front.
	sqliteDialect = dialect{name: "sqlite", driverName: "sqlite3"}
)

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case postgresDialect.name:
		return postgresDialect, nil
	case sqliteDialect.name:
		return sqliteDialect, nil
	default:
		return dialect{}, fmt.Errorf("unsupported sql driver %q", driver)
	}
}

// dsn returns the driver connection string. SQLite paths get WAL, foreign
// keys, a busy timeout and immediate write transactions.
func (d dialect) dsn(raw string) string {
	if d.name != sqliteDialect.name {
		return raw
	}
	if strings.HasPrefix(raw, "file:") {
		return raw
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_txlock=immediate", raw)
}
