package artifact

import (
	"encoding/hex"
	"regexp"
	"time"

	"github.com/google/uuid"
)

const idTimeLayout = "20060102_150405"

var idPattern = regexp.MustCompile(`^\d{8}_\d{6}_[0-9a-f]{32}$`)

// ID identifies one synthesis result. The timestamp prefix keeps directory
// listings ordered; the UUID suffix carries the uniqueness.
type ID string

// NewID returns a fresh identifier stamped with now (UTC).
func NewID(now time.Time) ID {
	random := uuid.New()

	return ID(now.UTC().Format(idTimeLayout) + "_" + hex.EncodeToString(random[:]))
}

// ValidID reports whether raw has the exact shape produced by NewID.
func ValidID(raw string) bool {
	return idPattern.MatchString(raw)
}

func (id ID) String() string {
	return string(id)
}
