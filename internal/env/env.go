// Package env composes the environment handed to the supervised frp child:
// the daemon's own environment, then operator-set globals, then per-process
// overrides, with ${VAR} references expanded against the composed map.
package env

import (
	"os"
	"sort"
	"strings"
)

// Set is an ordered-output collection of environment overrides.
type Set struct {
	base map[string]string
	vars map[string]string
}

// New returns a set seeded from the daemon's environment.
func New() *Set {
	s := &Set{vars: make(map[string]string)}
	s.base = fromOS()
	return s
}

func fromOS() map[string]string {
	base := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			base[k] = v
		}
	}
	return base
}

// Put records a global override.
func (s *Set) Put(k, v string) {
	if k != "" {
		s.vars[k] = v
	}
}

// Drop removes a global override.
func (s *Set) Drop(k string) {
	delete(s.vars, k)
}

// Compose returns the final KEY=VALUE list for exec. extra entries win over
// globals, globals over the inherited environment. Output is sorted so the
// child sees a stable environment across restarts.
func (s *Set) Compose(extra []string) []string {
	m := make(map[string]string, len(s.base)+len(s.vars)+len(extra))
	for k, v := range s.base {
		m[k] = v
	}
	for k, v := range s.vars {
		m[k] = v
	}
	for _, kv := range extra {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			m[k] = v
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

// expand resolves ${VAR} against m. Single pass, unknown names are left as
// written.
func expand(s string, m map[string]string) string {
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.Index(s[i:], "}")
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:i])
		name := s[i+2 : i+j]
		if v, ok := m[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+j+1])
		}
		s = s[i+j+1:]
	}
}
