package jobs

import (
	"strings"

	"github.com/google/uuid"

	"github.com/borgitory/borgitory/errors"
)

// NewJobID returns a fresh 128-bit job id encoded as 32 lowercase hex
// characters with no separators. This canonical form is the cross-store
// identity for a job.
func NewJobID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NormalizeJobID canonicalizes a job id. Legacy dash-separated encodings
// are accepted and collapsed to the 32-hex form.
func NormalizeJobID(id string) (string, error) {
	normalized := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(id), "-", ""))
	if len(normalized) != 32 {
		return "", errors.Mark(
			errors.Newf("job id %q is not 32 hex characters", id),
			errors.ErrInvalidRequest)
	}
	for _, r := range normalized {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return "", errors.Mark(
				errors.Newf("job id %q contains non-hex characters", id),
				errors.ErrInvalidRequest)
		}
	}
	return normalized, nil
}
