package schema

import (
	"sort"
	"strings"

	apperrors "github.com/ansible-dev/ansible/internal/common/errors"
)

// ResolveKey resolves a possibly-abbreviated identifier against a map's
// entries. Resolution order: exact key match, then unique key prefix,
// then unique prefix of the record's embedded id field. More than one
// candidate at a tier is an ambiguity error carrying up to 8 sample
// keys; no candidate at any tier is not-found.
func ResolveKey(resource string, entries map[string]any, needle string) (string, error) {
	if needle == "" {
		return "", apperrors.InvalidParams(resource + " id is required")
	}
	if _, ok := entries[needle]; ok {
		return needle, nil
	}

	var keyMatches []string
	for key := range entries {
		if strings.HasPrefix(key, needle) {
			keyMatches = append(keyMatches, key)
		}
	}
	if len(keyMatches) == 1 {
		return keyMatches[0], nil
	}
	if len(keyMatches) > 1 {
		sort.Strings(keyMatches)
		return "", apperrors.AmbiguousID(needle, keyMatches)
	}

	var idMatches []string
	for key, value := range entries {
		rec, ok := value.(map[string]any)
		if !ok {
			continue
		}
		if id, ok := rec["id"].(string); ok && strings.HasPrefix(id, needle) {
			idMatches = append(idMatches, key)
		}
	}
	if len(idMatches) == 1 {
		return idMatches[0], nil
	}
	if len(idMatches) > 1 {
		sort.Strings(idMatches)
		return "", apperrors.AmbiguousID(needle, idMatches)
	}

	return "", apperrors.NotFound(resource, needle)
}
