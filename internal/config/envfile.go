package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// envFileCandidates lists the dotenv files consulted before env overrides,
// in priority order: WAGATEWAY_ENV_FILE, then the per-user locations.
func envFileCandidates() []string {
	var paths []string
	if explicit := strings.TrimSpace(os.Getenv("WAGATEWAY_ENV_FILE")); explicit != "" {
		paths = append(paths, explicit)
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".config", "wagateway", "env"),
			filepath.Join(home, ConfigDir, "env"),
		)
	}
	return paths
}

// LoadEnvFileCandidates exports KEY=VALUE pairs from every candidate env
// file that exists. Variables already set in the process always win, and the
// first file to define a key wins over later ones.
func LoadEnvFileCandidates() {
	done := make(map[string]bool)
	for _, p := range envFileCandidates() {
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		if done[p] {
			continue
		}
		done[p] = true
		_, _ = applyEnvFile(p)
	}
}

// applyEnvFile sets the variables defined in path and returns how many it set.
func applyEnvFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	set := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, val, ok := parseEnvLine(sc.Text())
		if !ok {
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if os.Setenv(key, val) == nil {
			set++
		}
	}
	return set, sc.Err()
}

// parseEnvLine accepts `KEY=VALUE` and `export KEY=VALUE`, with optional
// matching single or double quotes around VALUE. Blank lines and # comments
// yield ok=false.
func parseEnvLine(line string) (key, val string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || line[0] == '#' {
		return "", "", false
	}
	line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
	key, val, found := strings.Cut(line, "=")
	key = strings.TrimSpace(key)
	if !found || key == "" {
		return "", "", false
	}
	val = strings.TrimSpace(val)
	if n := len(val); n >= 2 && (val[0] == '"' || val[0] == '\'') && val[n-1] == val[0] {
		val = val[1 : n-1]
	}
	return key, val, true
}
