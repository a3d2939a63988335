package xid

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a prefixed random id such as "row-3f0c…". Lexical order of ids is
// stable, which the stores rely on when locking several rows at once.
func New(prefix string) string {
	id := uuid.NewString()
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}

// Short returns the first block of a uuid in upper case, used for human-facing
// reference numbers.
func Short() string {
	raw := uuid.NewString()
	return strings.ToUpper(raw[:8])
}
