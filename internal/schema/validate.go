package schema

import (
	"strings"

	apperrors "github.com/ansible-dev/ansible/internal/common/errors"
)

// Input limits enforced at the command surface. Limits are byte
// lengths.
const (
	MaxTitleLen       = 200
	MaxDescriptionLen = 5000
	MaxContextLen     = 5000
	MaxResultLen      = 5000
	MaxMessageLen     = 10000
	MaxPolicyLen      = 200000

	MaxTaskUpdates     = 50
	MaxActiveThreads   = 10
	MaxRecentDecisions = 10
)

// CheckRequired rejects empty or whitespace-only required inputs.
func CheckRequired(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return apperrors.InvalidParams(field + " is required")
	}
	return nil
}

// CheckLen rejects inputs exceeding the field's byte limit.
func CheckLen(field, value string, limit int) error {
	if len(value) > limit {
		return apperrors.ValidationExceeded(field, limit)
	}
	return nil
}

// CheckTitle validates a task title: required and bounded.
func CheckTitle(title string) error {
	if err := CheckRequired("title", title); err != nil {
		return err
	}
	return CheckLen("title", title, MaxTitleLen)
}
