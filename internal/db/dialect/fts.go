package dialect

import "fmt"

// SupportsFTS reports whether the driver has a full-text search backend.
// SQLite deployments fall back to substring matching in the recall layer.
func SupportsFTS(driver string) bool {
	return IsPostgres(driver)
}

// SupportsVector reports whether the driver can store and rank embedding
// vectors (pgvector). On SQLite the semantic side is skipped entirely.
func SupportsVector(driver string) bool {
	return IsPostgres(driver)
}

// FTSRank returns the SQL expression for the lexical rank of a text column
// against a web-search style query parameter.
//
//	Postgres: ts_rank(to_tsvector('simple', col), websearch_to_tsquery('simple', ?))
func FTSRank(driver, col, queryExpr string) string {
	if !IsPostgres(driver) {
		return "0"
	}
	return fmt.Sprintf("ts_rank(to_tsvector('simple', %s), websearch_to_tsquery('simple', %s))", col, queryExpr)
}

// FTSMatch returns the SQL predicate for a full-text match of col against a
// web-search style query parameter.
func FTSMatch(driver, col, queryExpr string) string {
	if !IsPostgres(driver) {
		return fmt.Sprintf("%s %s %s", col, Like(driver), queryExpr)
	}
	return fmt.Sprintf("to_tsvector('simple', %s) @@ websearch_to_tsquery('simple', %s)", col, queryExpr)
}

// FTSHeadline returns the SQL expression for a marked-up headline of col for
// the given query, or an empty string literal on backends without FTS.
func FTSHeadline(driver, col, queryExpr string) string {
	if !IsPostgres(driver) {
		return "''"
	}
	return fmt.Sprintf(
		"ts_headline('simple', %s, websearch_to_tsquery('simple', %s), 'MaxWords=35, MinWords=15')",
		col, queryExpr,
	)
}

// VectorDistance returns the SQL expression for the cosine distance between a
// vector column and a query-vector parameter (pgvector's <=> operator).
func VectorDistance(driver, col, vectorExpr string) string {
	if !IsPostgres(driver) {
		return "0"
	}
	return fmt.Sprintf("%s <=> %s", col, vectorExpr)
}

// VectorColumnType returns the DDL column type for an embedding of the given
// dimension. SQLite stores the vector as serialized text for round-tripping
// only; it is never ranked there.
func VectorColumnType(driver string, dimensions int) string {
	if IsPostgres(driver) {
		return fmt.Sprintf("vector(%d)", dimensions)
	}
	return "TEXT"
}
