package configutil

import (
	"fmt"
	"sort"
	"strings"
)

// Schema lists the keys a vendor's settings map may carry. Validation
// runs at bootstrap so a typoed credential key fails the process instead
// of surfacing on the first call.
type Schema struct {
	Required     []string
	Optional     []string
	AllowUnknown bool
}

// ValidateSettings checks a settings map against its schema. Keys match
// case/underscore/hyphen insensitively, mirroring DecodeSettings.
func ValidateSettings(input map[string]any, schema Schema) error {
	required := make(map[string]string, len(schema.Required))
	for _, k := range schema.Required {
		required[canonicalKey(k)] = k
	}
	allowed := make(map[string]struct{}, len(schema.Required)+len(schema.Optional))
	for k := range required {
		allowed[k] = struct{}{}
	}
	for _, k := range schema.Optional {
		allowed[canonicalKey(k)] = struct{}{}
	}

	var missing, unknown []string
	seen := make(map[string]bool, len(input))
	for key, value := range input {
		ck := canonicalKey(key)
		seen[ck] = true
		if _, ok := allowed[ck]; !ok && !schema.AllowUnknown {
			unknown = append(unknown, key)
		}
		if name, ok := required[ck]; ok && isBlank(value) {
			missing = append(missing, name)
		}
	}
	for ck, name := range required {
		if !seen[ck] {
			missing = append(missing, name)
		}
	}

	if len(missing) == 0 && len(unknown) == 0 {
		return nil
	}
	sort.Strings(missing)
	sort.Strings(unknown)
	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(missing, ", "))
	}
	if len(unknown) > 0 {
		parts = append(parts, "unknown: "+strings.Join(unknown, ", "))
	}
	return fmt.Errorf("%s", strings.Join(parts, "; "))
}

func isBlank(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}
