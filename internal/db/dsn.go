package db

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite"
)

// Driver picks the database/sql driver for a DSN. postgres:// and
// postgresql:// go to pgx; sqlite:// and file: URLs, ":memory:" and *.db
// paths go to SQLite.
func Driver(dsn string) (driver, source string, err error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return "", "", fmt.Errorf("empty DSN")
	}
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return DriverPostgres, dsn, nil
	case strings.HasPrefix(dsn, "sqlite://"):
		return DriverSQLite, strings.TrimPrefix(dsn, "sqlite://"), nil
	case strings.HasPrefix(dsn, "file:"), dsn == ":memory:", strings.HasSuffix(dsn, ".db"), strings.HasSuffix(dsn, ".sqlite"):
		return DriverSQLite, dsn, nil
	}
	if strings.Contains(dsn, "://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", err
		}
		return "", "", fmt.Errorf("unsupported DSN scheme %q", u.Scheme)
	}
	// key=value libpq style
	return DriverPostgres, dsn, nil
}

// rebind rewrites $N placeholders into SQLite's ?N form.
func rebind(driver, q string) string {
	if driver != DriverSQLite {
		return q
	}
	var b strings.Builder
	b.Grow(len(q))
	for i := 0; i < len(q); i++ {
		if q[i] == '$' {
			j := i + 1
			for j < len(q) && q[j] >= '0' && q[j] <= '9' {
				j++
			}
			if j > i+1 {
				n, _ := strconv.Atoi(q[i+1 : j])
				b.WriteString("?" + strconv.Itoa(n))
				i = j - 1
				continue
			}
		}
		b.WriteByte(q[i])
	}
	return b.String()
}
