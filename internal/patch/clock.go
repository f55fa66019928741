package patch

import (
	"time"

	"github.com/google/uuid"
)

// Clock abstracts time retrieval for deterministic tests.
type Clock interface {
	Now() time.Time
}

// RealClock returns the current wall-clock time.
type RealClock struct{}

var _ Clock = RealClock{}

func (RealClock) Now() time.Time { return time.Now() }

// IDGenerator produces unique identifiers for operation records.
type IDGenerator interface {
	New() string
}

// UUIDGenerator generates random UUIDs.
type UUIDGenerator struct{}

var _ IDGenerator = UUIDGenerator{}

func (UUIDGenerator) New() string { return uuid.NewString() }
