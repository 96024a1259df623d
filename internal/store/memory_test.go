package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/loykin/scriptd/internal/store"
	"github.com/loykin/scriptd/internal/store/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, store.NewMemory())
}

func TestMemoryClosed(t *testing.T) {
	m := store.NewMemory()
	_ = m.Close()
	if _, err := m.AggregateCounts(context.Background()); !errors.Is(err, store.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestNormalizeTags(t *testing.T) {
	got := store.NormalizeTags([]string{" a", "b", "", "a", "c "})
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestScriptValidate(t *testing.T) {
	long := make([]byte, store.MaxNameLength+1)
	for i := range long {
		long[i] = 'x'
	}
	cases := []store.Script{
		{Name: "", Content: "echo"},
		{Name: string(long), Content: "echo"},
		{Name: "ok", Content: "  "},
	}
	for _, c := range cases {
		if err := c.Validate(); !errors.Is(err, store.ErrInvalid) {
			t.Fatalf("expected ErrInvalid for %+v, got %v", c.Name, err)
		}
	}
	if err := (store.Script{Name: "ok", Content: "echo"}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
