// Package ids generates the server identifiers of messages.  Identifiers are
// 63-bit snowflakes: 41 bits of milliseconds since 2024-01-01 UTC, 10 bits of
// worker node and a 12 bit per-millisecond sequence, rendered as decimal
// strings.
package ids

import (
	"strconv"
	"sync"
	"time"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

const (
	nodeBits = 10
	seqBits  = 12
	maxNode  = 1<<nodeBits - 1
	seqMask  = 1<<seqBits - 1
)

// Generator hands out identifiers for one worker node.  It is safe for
// concurrent use.
type Generator struct {
	mu     sync.Mutex
	node   int64
	seq    int64
	lastMS int64
	now    func() time.Time
}

// NewGenerator returns a generator for node (0-1023).  Out-of-range nodes
// are clamped into range with a modulo so misconfiguration never panics.
func NewGenerator(node int64) *Generator {
	if node < 0 {
		node = -node
	}
	return &Generator{node: node & maxNode, now: time.Now}
}

// Next returns the next identifier.
func (g *Generator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now().UnixMilli()
	if now < g.lastMS {
		// clock moved backwards; keep issuing from the last timestamp
		now = g.lastMS
	}
	if now == g.lastMS {
		g.seq = (g.seq + 1) & seqMask
		if g.seq == 0 {
			for now <= g.lastMS {
				time.Sleep(100 * time.Microsecond)
				now = g.now().UnixMilli()
			}
		}
	} else {
		g.seq = 0
	}
	g.lastMS = now
	return (now-epoch)<<(nodeBits+seqBits) | g.node<<seqBits | g.seq
}

// NextString returns Next rendered in base 10.
func (g *Generator) NextString() string {
	return strconv.FormatInt(g.Next(), 10)
}

// Node extracts the worker node from an identifier.
func Node(id int64) int64 { return (id >> seqBits) & maxNode }

// Time extracts the millisecond timestamp from an identifier.
func Time(id int64) time.Time {
	return time.UnixMilli(id>>(nodeBits+seqBits) + epoch).UTC()
}
