// Package dialect provides SQL fragment helpers so the conversation stores can
// run the same queries on SQLite and PostgreSQL.
package dialect

const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

// IsPostgres returns true if the driver is PostgreSQL (pgx).
func IsPostgres(driver string) bool {
	return driver == PGX
}

// Like returns the case-insensitive LIKE operator for the driver.
//
//	SQLite:   LIKE (case-insensitive for ASCII by default)
//	Postgres: ILIKE
func Like(driver string) string {
	if IsPostgres(driver) {
		return "ILIKE"
	}
	return "LIKE"
}
