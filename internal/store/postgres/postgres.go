package postgres

import (
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/scriptd/internal/store"
)

// New opens a PostgreSQL handle through pgx's database/sql driver. No
// connection is made until first use.
func New(dsn string) (*store.SQLStore, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	d.SetMaxOpenConns(10)
	return store.NewSQLStore(d, store.DialectPostgres), nil
}
