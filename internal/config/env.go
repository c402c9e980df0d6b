package config

import (
	"strconv"
	"strings"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "SAVEPOINT_"

// envAliases maps shorthand variables to configuration paths.
var envAliases = map[string]string{
	"LOG_LEVEL": "logging.level",
	"DEBOUNCE":  "save.debounce",
	"DB":        "store.path",
}

// envMap converts prefixed environment entries to a nested map.
//
// SAVEPOINT_STORE_CACHE_SIZE=64 becomes store.cache_size = 64: the first
// word after the prefix names the section and the rest, lowercased, the key.
func envMap(prefix string, environ []string) map[string]any {
	result := make(map[string]any)
	for _, env := range environ {
		name, value, ok := strings.Cut(env, "=")
		if !ok || !strings.HasPrefix(name, prefix) {
			continue
		}
		path, ok := envPath(strings.TrimPrefix(name, prefix))
		if !ok {
			continue
		}
		setByPath(result, path, parseEnvValue(value))
	}
	return result
}

func envPath(name string) (string, bool) {
	if path, ok := envAliases[name]; ok {
		return path, true
	}
	section, key, ok := strings.Cut(strings.ToLower(name), "_")
	if !ok || section == "" || key == "" {
		return "", false
	}
	return section + "." + key, true
}

// parseEnvValue converts true, false and integers. Everything else,
// including yes/no/on/off and durations, stays a string for the typed
// getters to interpret, so string settings such as synchronous = OFF
// survive.
func parseEnvValue(s string) any {
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	return s
}
