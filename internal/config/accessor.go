package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// accessor reads typed values from a nested map, collecting type errors
// instead of failing on the first.
type accessor struct {
	data map[string]any
	errs []error
}

func (a *accessor) typeError(path, expected string, val any) {
	a.errs = append(a.errs, &FieldError{
		Path:    path,
		Message: fmt.Sprintf("expected %s, got %T", expected, val),
	})
}

func (a *accessor) getString(path, def string) string {
	val, ok := getByPath(a.data, path)
	if !ok {
		return def
	}
	switch v := val.(type) {
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	default:
		a.typeError(path, "string", val)
		return def
	}
}

func (a *accessor) getInt(path string, def int) int {
	val, ok := getByPath(a.data, path)
	if !ok {
		return def
	}
	switch v := val.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		if v == float64(int(v)) {
			return int(v)
		}
	case string:
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	a.typeError(path, "integer", val)
	return def
}

func (a *accessor) getBool(path string, def bool) bool {
	val, ok := getByPath(a.data, path)
	if !ok {
		return def
	}
	switch v := val.(type) {
	case bool:
		return v
	case int64:
		return v != 0
	case int:
		return v != 0
	case string:
		switch strings.ToLower(v) {
		case "yes", "on":
			return true
		case "no", "off":
			return false
		}
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	a.typeError(path, "boolean", val)
	return def
}

// getDuration accepts Go duration strings ("1.5s") or integers, taken as
// milliseconds.
func (a *accessor) getDuration(path string, def time.Duration) time.Duration {
	val, ok := getByPath(a.data, path)
	if !ok {
		return def
	}
	switch v := val.(type) {
	case time.Duration:
		return v
	case int64:
		return time.Duration(v) * time.Millisecond
	case int:
		return time.Duration(v) * time.Millisecond
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	a.typeError(path, "duration", val)
	return def
}
