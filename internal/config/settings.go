package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Settings is a generic key/typed-value configuration source. Keys use dotted names
// ("db.bolt.timeout"); every getter takes the default applied when the key is absent.
// Environment variables override properties: "db.bolt.timeout" is read from KV_DB_BOLT_TIMEOUT.
type Settings struct {
	v *viper.Viper
}

// NewSettings builds settings from a flat property map.
func NewSettings(properties map[string]string) *Settings {
	v := viper.New()
	v.SetEnvPrefix("kv")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	// Properties are viper defaults so the environment takes precedence.
	for key, value := range properties {
		v.SetDefault(key, value)
	}
	return &Settings{v: v}
}

// EmptySettings has no properties; every getter yields its default unless the environment sets it.
func EmptySettings() *Settings {
	return NewSettings(nil)
}

func (s *Settings) IsSet(key string) bool {
	return s.v.IsSet(key)
}

func (s *Settings) GetString(key, def string) string {
	if !s.v.IsSet(key) {
		return def
	}
	return s.v.GetString(key)
}

func (s *Settings) GetBool(key string, def bool) bool {
	if !s.v.IsSet(key) {
		return def
	}
	return s.v.GetBool(key)
}

func (s *Settings) GetInt(key string, def int) int {
	if !s.v.IsSet(key) {
		return def
	}
	return s.v.GetInt(key)
}

func (s *Settings) GetInt64(key string, def int64) int64 {
	if !s.v.IsSet(key) {
		return def
	}
	return s.v.GetInt64(key)
}

func (s *Settings) GetDuration(key string, def time.Duration) time.Duration {
	if !s.v.IsSet(key) {
		return def
	}
	return s.v.GetDuration(key)
}

// Set overrides a single property. Used by tests and the CLI flags.
func (s *Settings) Set(key string, value any) {
	s.v.Set(key, value)
}
