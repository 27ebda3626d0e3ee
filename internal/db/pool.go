package db

import "github.com/jmoiron/sqlx"

// Pool splits database access into a writer and a reader handle.
//
// On SQLite the writer is pinned to a single connection so WAL mode never hits
// SQLITE_BUSY under write contention, while the reader side keeps several
// read-only connections that serve SELECTs from WAL snapshots. On PostgreSQL
// both handles are the same *sqlx.DB; pgx pools connections itself.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool wraps the writer and reader handles. Passing the same *sqlx.DB for
// both is valid and is what the Postgres path does.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer returns the handle for INSERT/UPDATE/DELETE and transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the handle for SELECT queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both handles, tolerating a shared underlying connection.
func (p *Pool) Close() error {
	err := p.writer.Close()
	if p.reader == p.writer {
		return err
	}
	if rerr := p.reader.Close(); err == nil {
		err = rerr
	}
	return err
}
