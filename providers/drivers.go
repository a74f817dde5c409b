package providers

import (
	// Register the database/sql drivers behind DriverSQLite ("sqlite") and
	// DriverPostgres ("pgx").
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)
