// Package util holds small helpers shared across components: id generation, origin hashing
// and typed environment lookups.
package util

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// envValue reads key and converts it with parse. Unset or blank keys yield def; values that
// fail to parse are logged and also yield def.
func envValue[T any](key string, def T, parse func(string) (T, error)) T {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := parse(raw)
	if err != nil {
		slog.Warn("util.envValue: ignoring malformed environment value", "key", key, "value", raw, "default", def)
		return def
	}
	return v
}

// ParseBoolEnv accepts true/1/yes/on and false/0/no/off, case-insensitively.
func ParseBoolEnv(key string, def bool) bool {
	return envValue(key, def, parseBool)
}

func ParseIntEnv(key string, def int) int {
	return envValue(key, def, strconv.Atoi)
}

// ParseDurationEnv takes Go duration syntax ("90s", "5m").
func ParseDurationEnv(key string, def time.Duration) time.Duration {
	return envValue(key, def, time.ParseDuration)
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(raw) {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off":
		return false, nil
	}
	return false, strconv.ErrSyntax
}
