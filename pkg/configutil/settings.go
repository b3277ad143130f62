// Package configutil decodes and validates the free-form settings maps
// that configure telephony and speech vendors.
package configutil

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// DecodeSettings decodes a settings map into a typed vendor config.
// Key matching ignores case, underscores, and hyphens so "api_key",
// "API-Key", and "apikey" all land in the same field.
func DecodeSettings(input map[string]any, out any) error {
	if len(input) == 0 {
		return nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		Result:           out,
		WeaklyTypedInput: true,
		MatchName: func(mapKey, fieldName string) bool {
			return canonicalKey(mapKey) == canonicalKey(fieldName)
		},
	})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}

// RequireString fails with the config path when a required value is
// blank, so the error names the exact key to fix.
func RequireString(value, path string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s is required", path)
	}
	return nil
}

// BoolValue returns fallback when value is nil.
func BoolValue(value *bool, fallback bool) bool {
	if value == nil {
		return fallback
	}
	return *value
}

// IntValue returns fallback when value is nil.
func IntValue(value *int, fallback int) int {
	if value == nil {
		return fallback
	}
	return *value
}

func canonicalKey(value string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(value) {
		if r == '_' || r == '-' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
