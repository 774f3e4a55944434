package xid

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// New returns a random identifier such as "mov-1f0c9a3e5b7d4c21".
func New(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("%s-%s", prefix, raw[:16])
}

// Timestamp returns the Unix-millisecond id for a record created at now,
// bumped past floor so ids stay unique when several land in the same
// millisecond.
func Timestamp(now time.Time, floor int64) int64 {
	id := now.UnixMilli()
	if id <= floor {
		id = floor + 1
	}
	return id
}
