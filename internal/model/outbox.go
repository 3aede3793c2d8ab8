package model

import "time"

// OutboxEntry is an event publication staged in the same transaction as the
// mutation that produced it.  It is deleted once published.
type OutboxEntry struct {
	ID            int64
	Topic         string
	Body          []byte
	Attempts      int
	NextAttemptAt time.Time
	CreatedAt     time.Time
}
