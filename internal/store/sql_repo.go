package store

import (
	"database/sql"
	"strconv"
	"strings"
)

// sqlRepo holds what the SQLite and Postgres backends share: the handle and
// the placeholder style of the driver. Dedup and outbox queries are written
// once with '?' placeholders and rebound per driver.
type sqlRepo struct {
	db     *sql.DB
	driver string
}

func newSQLRepo(db *sql.DB, driver string) sqlRepo {
	return sqlRepo{db: db, driver: driver}
}

func (r sqlRepo) postgres() bool {
	return r.driver == "postgres"
}

// rebind rewrites '?' placeholders as $1..$n for Postgres.
func (r sqlRepo) rebind(query string) string {
	if !r.postgres() {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, c := range query {
		if c != '?' {
			b.WriteRune(c)
			continue
		}
		n++
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
	}
	return b.String()
}

func (r sqlRepo) exec(query string, args ...interface{}) (sql.Result, error) {
	return r.db.Exec(r.rebind(query), args...)
}

func (r sqlRepo) queryRow(query string, args ...interface{}) *sql.Row {
	return r.db.QueryRow(r.rebind(query), args...)
}

func (r sqlRepo) query(query string, args ...interface{}) (*sql.Rows, error) {
	return r.db.Query(r.rebind(query), args...)
}

// affected returns RowsAffected as an int, treating driver errors as zero.
func affected(res sql.Result) int {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return int(n)
}

func (r sqlRepo) close() error {
	return closeDB(r.driver, r.db)
}
