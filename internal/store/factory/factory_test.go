package factory

import "testing"

func TestFactoryDSNSelection(t *testing.T) {
	if _, err := NewFromDSN(""); err == nil {
		t.Fatalf("expected error for empty DSN")
	}
	// sql.Open does not connect, so no server is needed here
	pg, err := NewFromDSN("postgres://user@localhost/db")
	if err != nil || pg == nil {
		t.Fatalf("postgres dsn: err=%v obj=%T", err, pg)
	}
	_ = pg.Close()
	s1, err := NewFromDSN("sqlite://:memory:")
	if err != nil || s1 == nil {
		t.Fatalf("sqlite scheme: err=%v obj=%T", err, s1)
	}
	_ = s1.Close()
	s2, err := NewFromDSN(":memory:")
	if err != nil || s2 == nil {
		t.Fatalf("bare sqlite: err=%v obj=%T", err, s2)
	}
	_ = s2.Close()
	m, err := NewFromDSN("memory://")
	if err != nil || m == nil {
		t.Fatalf("memory: err=%v obj=%T", err, m)
	}
	_ = m.Close()
}

func TestKind(t *testing.T) {
	cases := map[string]string{
		"memory://":              "memory",
		"postgresql://u@h/db":    "postgres",
		"POSTGRES://u@h/db":      "postgres",
		"sqlite:///var/lib/x.db": "sqlite",
		"/tmp/scriptd.db":        "sqlite",
	}
	for dsn, want := range cases {
		if got := Kind(dsn); got != want {
			t.Fatalf("Kind(%q) = %q, want %q", dsn, got, want)
		}
	}
}

func TestSQLitePath(t *testing.T) {
	cases := map[string]string{
		"sqlite:///var/lib/x.db": "/var/lib/x.db",
		"SQLite://:memory:":      ":memory:",
		"sqlite://rel/x.db":      "rel/x.db",
		"/tmp/scriptd.db":        "/tmp/scriptd.db",
	}
	for dsn, want := range cases {
		if got := sqlitePath(dsn); got != want {
			t.Fatalf("sqlitePath(%q) = %q, want %q", dsn, got, want)
		}
	}
}
