// Package snowflake generates time-ordered 64-bit ids for ingested emails.
//
// Layout (most significant first):
//
//	┌─────────┬─────────────────────┬────────────┬──────────────┐
//	│ 1 bit   │      41 bits        │  10 bits   │   12 bits    │
//	│ sign(0) │ ms since epoch      │ node       │  sequence    │
//	└─────────┴─────────────────────┴────────────┴──────────────┘
package snowflake

import (
	"errors"
	"hash/fnv"
	"sync"
	"time"
)

const (
	// 2025-01-01 00:00:00 UTC
	epoch int64 = 1735689600000

	nodeBits     = 10
	sequenceBits = 12

	MaxNode     = (1 << nodeBits) - 1
	maxSequence = (1 << sequenceBits) - 1

	timeShift = nodeBits + sequenceBits
	nodeShift = sequenceBits
)

var (
	ErrInvalidNode    = errors.New("snowflake: node must be between 0 and 1023")
	ErrClockMovedBack = errors.New("snowflake: clock moved backwards")
)

// Generator hands out unique ids for one node. Safe for concurrent use.
type Generator struct {
	mu       sync.Mutex
	node     int64
	sequence int64
	last     int64
	now      func() time.Time
}

type Option func(*Generator)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

func NewGenerator(node int64, opts ...Option) (*Generator, error) {
	if node < 0 || node > MaxNode {
		return nil, ErrInvalidNode
	}
	g := &Generator{node: node, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// NodeFromString maps a worker name (hostname, pod name) onto a node number.
func NodeFromString(name string) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum32() % (MaxNode + 1))
}

func (g *Generator) millis() int64 {
	return g.now().UnixMilli()
}

// Next returns the next id.
func (g *Generator) Next() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.millis()
	if ms < g.last {
		return 0, ErrClockMovedBack
	}

	if ms == g.last {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			for ms <= g.last {
				time.Sleep(100 * time.Microsecond)
				ms = g.millis()
			}
		}
	} else {
		g.sequence = 0
	}
	g.last = ms

	return ((ms - epoch) << timeShift) | (g.node << nodeShift) | g.sequence, nil
}

// Parts is a decoded id.
type Parts struct {
	Time     time.Time
	Node     int64
	Sequence int64
}

func Decompose(id int64) Parts {
	return Parts{
		Time:     time.UnixMilli((id >> timeShift) + epoch),
		Node:     (id >> nodeShift) & MaxNode,
		Sequence: id & maxSequence,
	}
}
