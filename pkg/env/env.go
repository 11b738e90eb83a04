// Package env reads typed settings from the process environment. Malformed
// values fall back to the default rather than failing startup.
package env

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

func lookup[T any](key string, def T, parse func(string) (T, error)) T {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return def
	}
	v, err := parse(raw)
	if err != nil {
		return def
	}
	return v
}

// GetString returns $key or def when unset
func GetString(key, def string) string {
	return lookup(key, def, func(s string) (string, error) { return s, nil })
}

// GetStringFromFile prefers the file named by $key_FILE (Docker and k8s
// secrets) and falls back to $key when the file is missing or unreadable.
func GetStringFromFile(key, def string) string {
	if path := os.Getenv(key + "_FILE"); path != "" {
		if content, err := os.ReadFile(filepath.Clean(path)); err == nil {
			return string(bytes.TrimSpace(content))
		}
	}
	return GetString(key, def)
}

func GetInt(key string, def int) int {
	return lookup(key, def, strconv.Atoi)
}

func GetBool(key string, def bool) bool {
	return lookup(key, def, strconv.ParseBool)
}

// GetDuration accepts Go duration syntax, e.g. "30s" or "1h30m"
func GetDuration(key string, def time.Duration) time.Duration {
	return lookup(key, def, time.ParseDuration)
}

// GetStringSlice splits a comma-separated value and drops blank entries
func GetStringSlice(key string, def []string) []string {
	return lookup(key, def, func(s string) ([]string, error) {
		var out []string
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out, nil
	})
}
