package store

import "testing"

func TestRebind(t *testing.T) {
	pg := &SQLStore{dialect: DialectPostgres}
	got := pg.rebind(`SELECT * FROM t WHERE a = ? AND b LIKE ? LIMIT ?`)
	if got != `SELECT * FROM t WHERE a = $1 AND b LIKE $2 LIMIT $3` {
		t.Fatalf("unexpected rebind: %s", got)
	}
	lite := &SQLStore{dialect: DialectSQLite}
	if q := lite.rebind(`a = ?`); q != `a = ?` {
		t.Fatalf("sqlite must keep '?': %s", q)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	cases := map[string]bool{
		"constraint failed: UNIQUE constraint failed: scripts.name (2067)":                          true,
		`ERROR: duplicate key value violates unique constraint "scripts_name_key" (SQLSTATE 23505)`: true,
		"connection refused":                                                                        false,
	}
	for msg, want := range cases {
		if got := isUniqueViolation(errString(msg)); got != want {
			t.Fatalf("%q: got %v", msg, got)
		}
	}
	if isUniqueViolation(nil) {
		t.Fatal("nil is not a violation")
	}
}

type errString string

func (e errString) Error() string { return string(e) }
