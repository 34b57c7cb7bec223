package env

import (
	"os"
	"sort"
	"strings"
)

// Var is a set of environment variables keyed by name.
type Var map[string]string

// FromList parses "K=V" entries. Entries without '=' or with an empty key are
// skipped; later entries win.
func FromList(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			continue
		}
		m[kv[:i]] = kv[i+1:]
	}
	return m
}

// FromOS snapshots the current process environment.
func FromOS() Var { return FromList(os.Environ()) }

// Clone returns an independent copy of v.
func (v Var) Clone() Var {
	out := make(Var, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// Compose layers overrides on top of base and returns a sorted "K=V" list.
// Override values may reference any composed variable as ${NAME}; expansion
// is single pass.
func Compose(base Var, overrides Var) []string {
	m := make(Var, len(base)+len(overrides))
	for k, v := range base {
		m[k] = v
	}
	for k, v := range overrides {
		if k == "" {
			continue
		}
		m[k] = v
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		if _, ok := overrides[k]; ok {
			v = expand(v, m)
		}
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(name string) string {
		if v, ok := m[name]; ok {
			return v
		}
		return "${" + name + "}"
	})
}
