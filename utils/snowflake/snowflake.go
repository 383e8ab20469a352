// Package snowflake generates time-ordered 63-bit ids for chat messages.
//
// Layout: 41 bits of milliseconds since Epoch, 10 bits of node, 12 bits of sequence.
package snowflake

import (
	"crypto/rand"
	"errors"
	"math/big"
	"strconv"
	"sync"
	"time"
)

const (
	// Epoch January 1, 2024 00:00:00 UTC, in milliseconds
	Epoch int64 = 1704067200000

	NodeBits     uint8 = 10
	SequenceBits uint8 = 12

	MaxNode      = -1 ^ (-1 << NodeBits)
	sequenceMask = -1 ^ (-1 << SequenceBits)
	nodeShift    = SequenceBits
	timeShift    = SequenceBits + NodeBits
)

var ErrInvalidNode = errors.New("snowflake: node out of range")

// Generator is safe for concurrent use. Ids from one generator strictly
// increase even if the wall clock steps backwards.
type Generator struct {
	mu   sync.Mutex
	node int64
	now  func() int64

	lastMillis int64
	sequence   int64
}

func New(node int64) (*Generator, error) {
	if node < 0 || node > MaxNode {
		return nil, ErrInvalidNode
	}
	return &Generator{node: node, now: nowMillis}, nil
}

// NewRandom picks a random node, for clients that have no assigned one.
func NewRandom() *Generator {
	n, err := rand.Int(rand.Reader, big.NewInt(MaxNode+1))
	if err != nil {
		return &Generator{now: nowMillis}
	}
	return &Generator{node: n.Int64(), now: nowMillis}
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func (g *Generator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	ts := g.now()
	// 时钟回拨时沿用上一个时间戳
	if ts < g.lastMillis {
		ts = g.lastMillis
	}
	if ts == g.lastMillis {
		g.sequence = (g.sequence + 1) & sequenceMask
		if g.sequence == 0 {
			ts = g.lastMillis + 1
		}
	} else {
		g.sequence = 0
	}
	g.lastMillis = ts

	return (ts-Epoch)<<timeShift | g.node<<nodeShift | g.sequence
}

// NextString is Next in decimal, the form used on the wire.
func (g *Generator) NextString() string {
	return strconv.FormatInt(g.Next(), 10)
}

// Time extracts the creation time of id.
func Time(id int64) time.Time {
	return time.UnixMilli((id >> timeShift) + Epoch).UTC()
}

func Node(id int64) int64 {
	return (id >> nodeShift) & MaxNode
}

func Sequence(id int64) int64 {
	return id & sequenceMask
}
