package env

import (
	"os"
	"sort"
	"strings"
)

// Env composes the environment handed to script interpreters: the daemon's
// own environment, then configured globals, then per-execution variables.
type Env struct {
	base map[string]string
	vars map[string]string
}

func New() *Env {
	return &Env{vars: make(map[string]string)}
}

// FromOS snapshots the current process environment as the base layer.
func (e *Env) FromOS() *Env {
	e.base = parse(os.Environ())
	return e
}

// Isolated drops the OS layer so only explicit variables reach the child,
// except the OS values of the keep keys.
func (e *Env) Isolated(keep ...string) *Env {
	e.base = map[string]string{}
	for _, k := range keep {
		if v, ok := os.LookupEnv(k); ok {
			e.base[k] = v
		}
	}
	return e
}

// Set sets a global variable. Empty keys are ignored.
func (e *Env) Set(k, v string) *Env {
	if k != "" {
		e.vars[k] = v
	}
	return e
}

// SetAll copies every pair of m into the global layer.
func (e *Env) SetAll(m map[string]string) *Env {
	for k, v := range m {
		e.Set(k, v)
	}
	return e
}

// Compose returns the final "K=V" list sorted by key. ${VAR} references are
// expanded once against the composed map; unknown references stay verbatim.
func (e *Env) Compose(extra map[string]string) []string {
	if e.base == nil {
		e.FromOS()
	}
	m := make(map[string]string, len(e.base)+len(e.vars)+len(extra))
	for _, layer := range []map[string]string{e.base, e.vars, extra} {
		for k, v := range layer {
			if k != "" {
				m[k] = v
			}
		}
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+Expand(m[k], m))
	}
	return out
}

// Expand replaces ${NAME} with m[NAME]. Bare $NAME is left alone since
// script bodies rely on the shell to resolve those.
func Expand(s string, m map[string]string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		name := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if v, ok := m[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
}

func parse(kvs []string) map[string]string {
	m := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}
