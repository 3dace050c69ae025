package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// includeKey names the directive that pulls other JSON files into a config.
// Included files are merged first, so the including file overrides them.
const includeKey = "$include"

// envRef matches ${NAME} and ${NAME:-fallback} inside string values.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// durationFields are the time.Duration settings, by group and JSON key.
// They accept "90s" style strings as well as integer nanoseconds.
var durationFields = [][2]string{
	{"webhook", "timeout"},
	{"sessions", "reconnectDelay"},
	{"sessions", "resetDelay"},
	{"sessions", "credentialFlushInterval"},
	{"timeline", "retention"},
}

// readConfigTree reads path, resolves $include directives and ${ENV}
// references, and returns the merged document as JSON.
func readConfigTree(path string) ([]byte, error) {
	t := &configTree{open: make(map[string]bool)}
	doc, err := t.read(path)
	if err != nil {
		return nil, err
	}
	if err := normalizeDurations(doc); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return json.Marshal(doc)
}

// normalizeDurations rewrites duration strings to the nanosecond integers
// encoding/json decodes into time.Duration.
func normalizeDurations(doc map[string]any) error {
	for _, f := range durationFields {
		group, ok := doc[f[0]].(map[string]any)
		if !ok {
			continue
		}
		s, ok := group[f[1]].(string)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(strings.TrimSpace(s))
		if err != nil {
			return fmt.Errorf("%s.%s: %w", f[0], f[1], err)
		}
		group[f[1]] = int64(d)
	}
	return nil
}

type configTree struct {
	// open holds the files on the current include chain.
	open map[string]bool
}

func (t *configTree) read(path string) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if t.open[abs] {
		return nil, fmt.Errorf("config include cycle detected at %s", abs)
	}
	t.open[abs] = true
	defer delete(t.open, abs)

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	doc := map[string]any{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}
	if doc == nil {
		doc = map[string]any{}
	}

	out := map[string]any{}
	if v, ok := doc[includeKey]; ok {
		delete(doc, includeKey)
		names, err := includeList(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", abs, err)
		}
		for _, name := range names {
			if !filepath.IsAbs(name) {
				name = filepath.Join(filepath.Dir(abs), name)
			}
			child, err := t.read(name)
			if err != nil {
				return nil, err
			}
			mergeInto(out, child)
		}
	}
	mergeInto(out, expandEnvRefs(doc).(map[string]any))
	return out, nil
}

func includeList(v any) ([]string, error) {
	var raw []any
	switch t := v.(type) {
	case string:
		raw = []any{t}
	case []any:
		raw = t
	default:
		return nil, fmt.Errorf("%s must be a string or array of strings", includeKey)
	}
	var names []string
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("%s entries must be strings", includeKey)
		}
		if s = strings.TrimSpace(s); s != "" {
			names = append(names, s)
		}
	}
	return names, nil
}

// mergeInto copies src over dst. Nested objects merge key by key; any other
// value replaces what dst had.
func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		sub, isObj := v.(map[string]any)
		if !isObj {
			dst[k] = v
			continue
		}
		existing, ok := dst[k].(map[string]any)
		if !ok {
			existing = map[string]any{}
			dst[k] = existing
		}
		mergeInto(existing, sub)
	}
}

// expandEnvRefs replaces env references in every string of v. The fallback
// applies when the variable is unset or empty; an unset variable without a
// fallback is left as written so the mistake stays visible.
func expandEnvRefs(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, item := range t {
			t[k] = expandEnvRefs(item)
		}
		return t
	case []any:
		for i, item := range t {
			t[i] = expandEnvRefs(item)
		}
		return t
	case string:
		return envRef.ReplaceAllStringFunc(t, func(ref string) string {
			m := envRef.FindStringSubmatch(ref)
			hasFallback := strings.Contains(ref, ":-")
			if val, ok := os.LookupEnv(m[1]); ok && (val != "" || !hasFallback) {
				return val
			}
			if hasFallback {
				return m[2]
			}
			return ref
		})
	default:
		return v
	}
}
