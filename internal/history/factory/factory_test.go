package factory

import (
	"path/filepath"
	"testing"

	"github.com/loykin/scriptd/internal/history/kafka"
	"github.com/loykin/scriptd/internal/history/opensearch"
	"github.com/loykin/scriptd/internal/history/sqlsink"
)

func TestNewSinkFromDSN_Empty(t *testing.T) {
	if _, err := NewSinkFromDSN("  "); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}

func TestNewSinkFromDSN_Unsupported(t *testing.T) {
	if _, err := NewSinkFromDSN("redis://localhost:6379"); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}

func TestNewSinkFromDSN_SQLite(t *testing.T) {
	for _, dsn := range []string{
		"sqlite://" + filepath.Join(t.TempDir(), "a.db"),
		filepath.Join(t.TempDir(), "b.db"),
	} {
		s, err := NewSinkFromDSN(dsn)
		if err != nil {
			t.Fatalf("%s: %v", dsn, err)
		}
		sq, ok := s.(*sqlsink.Sink)
		if !ok {
			t.Fatalf("%s: expected *sqlsink.Sink, got %T", dsn, s)
		}
		_ = sq.Close()
	}
}

func TestNewSinkFromDSN_Kafka(t *testing.T) {
	s, err := NewSinkFromDSN("kafka://b1:9092,b2:9092/scriptd.events")
	if err != nil {
		t.Fatal(err)
	}
	k, ok := s.(*kafka.Sink)
	if !ok {
		t.Fatalf("expected *kafka.Sink, got %T", s)
	}
	_ = k.Close()
}

func TestNewSinkFromDSN_OpenSearch(t *testing.T) {
	for _, dsn := range []string{"opensearch://localhost:9200/idx", "elasticsearch+https://es:9200"} {
		s, err := NewSinkFromDSN(dsn)
		if err != nil {
			t.Fatalf("%s: %v", dsn, err)
		}
		if _, ok := s.(*opensearch.Sink); !ok {
			t.Fatalf("%s: expected *opensearch.Sink, got %T", dsn, s)
		}
	}
}

func TestNewSinksClosesOnError(t *testing.T) {
	good := filepath.Join(t.TempDir(), "ok.db")
	if _, err := NewSinks([]string{good, "redis://x"}); err == nil {
		t.Fatal("expected error")
	}
	m, err := NewSinks([]string{good})
	if err != nil || len(m) != 1 {
		t.Fatalf("unexpected: %v %d", err, len(m))
	}
	_ = m.Close()
}
