package factory

import (
	"errors"
	"strings"

	"github.com/loykin/scriptd/internal/store"
	pg "github.com/loykin/scriptd/internal/store/postgres"
	sq "github.com/loykin/scriptd/internal/store/sqlite"
)

// NewFromDSN selects a store implementation based on DSN.
// Supported:
//   - memory:   "memory://" (process-local, lost on exit)
//   - sqlite:   "sqlite:///<path>", "sqlite://:memory:" or a bare filepath
//   - postgres: DSN starting with "postgres://" or "postgresql://"
func NewFromDSN(dsn string) (store.Store, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	if ld == "" {
		return nil, errors.New("empty DSN")
	}
	switch {
	case strings.HasPrefix(ld, "memory://"):
		return store.NewMemory(), nil
	case strings.HasPrefix(ld, "postgres://"), strings.HasPrefix(ld, "postgresql://"):
		return pg.New(d)
	}
	return sq.New(sqlitePath(d))
}

// sqlitePath strips an optional sqlite:// scheme in any letter case.
func sqlitePath(dsn string) string {
	const scheme = "sqlite://"
	if strings.HasPrefix(strings.ToLower(dsn), scheme) {
		return dsn[len(scheme):]
	}
	return dsn
}

// Kind reports which backend NewFromDSN would pick, for logging.
func Kind(dsn string) string {
	ld := strings.ToLower(strings.TrimSpace(dsn))
	switch {
	case strings.HasPrefix(ld, "memory://"):
		return "memory"
	case strings.HasPrefix(ld, "postgres://"), strings.HasPrefix(ld, "postgresql://"):
		return "postgres"
	default:
		return "sqlite"
	}
}
