package models

import (
	"encoding/binary"
	"time"

	"github.com/google/uuid"
)

const idRandomBits = 20

// NewTaskID returns a time-ordered identifier: milliseconds since the epoch in
// the high bits and 20 random bits from a v4 UUID in the low bits.
func NewTaskID(now time.Time) TaskID {
	u := uuid.New()
	random := binary.BigEndian.Uint32(u[12:16]) & (1<<idRandomBits - 1)
	return TaskID(now.UnixMilli()<<idRandomBits | int64(random))
}

// Time recovers the submission time encoded in the identifier.
func (id TaskID) Time() time.Time {
	return time.UnixMilli(int64(id) >> idRandomBits)
}
