package types

import (
	"fmt"
	"strconv"
	"strings"
)

// ClientConfig is a stored download client configuration. Settings are
// interpreted by the adapter selected by Type.
type ClientConfig struct {
	ID       int64          `json:"id"`
	Name     string         `json:"name"`
	Type     ClientType     `json:"type"`
	Enabled  bool           `json:"enabled"`
	Priority int            `json:"priority"`
	Category string         `json:"category"`
	Settings map[string]any `json:"settings"`
}

// String returns a trimmed string setting, or "" when absent.
func (c *ClientConfig) String(key string) string {
	v, ok := c.Settings[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

// Int returns an integer setting, or def when absent or malformed.
// JSON numbers decode as float64, so both forms are accepted.
func (c *ClientConfig) Int(key string, def int) int {
	switch t := c.Settings[key].(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			return n
		}
	}
	return def
}

// Bool returns a boolean setting, or false when absent.
func (c *ClientConfig) Bool(key string) bool {
	switch t := c.Settings[key].(type) {
	case bool:
		return t
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(t))
		return b
	case float64:
		return t != 0
	}
	return false
}

// EffectiveCategory returns the per-call category, falling back to the
// configured one.
func (c *ClientConfig) EffectiveCategory(opts AddOptions) string {
	if opts.Category != "" {
		return opts.Category
	}
	return c.Category
}
