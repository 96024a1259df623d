package main

import (
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"testing"
)

func TestChildArgs(t *testing.T) {
	in := []string{"serve", "--daemonize", "--pidfile", "/run/s.pid", "--logfile=/tmp/x", "cfg.toml"}
	got := childArgs(in)
	want := []string{"serve", "cfg.toml"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("childArgs = %v, want %v", got, want)
	}
}

func TestPidFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "scriptd.pid")
	if err := writePidFile(p, 4242); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(p)
	if err != nil || string(b) != strconv.Itoa(4242) {
		t.Fatalf("pid file %q %v", b, err)
	}
	if err := removePidFile(p); err != nil {
		t.Fatal(err)
	}
	if err := removePidFile(""); err != nil {
		t.Fatal(err)
	}
}
