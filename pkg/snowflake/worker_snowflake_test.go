package snowflake

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGenerator(t *testing.T) {
	tests := []struct {
		name    string
		node    int64
		wantErr bool
	}{
		{"node 0", 0, false},
		{"max node", MaxNode, false},
		{"negative", -1, true},
		{"too large", MaxNode + 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewGenerator(tt.node)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidNode)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNext_UniqueAcrossGoroutines(t *testing.T) {
	gen, err := NewGenerator(7)
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		seen sync.Map
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				id, err := gen.Next()
				if !assert.NoError(t, err) {
					return
				}
				_, dup := seen.LoadOrStore(id, struct{}{})
				assert.False(t, dup, "duplicate id %d", id)
			}
		}()
	}
	wg.Wait()
}

func TestNext_Decompose(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	gen, err := NewGenerator(42, WithClock(func() time.Time { return at }))
	require.NoError(t, err)

	first, err := gen.Next()
	require.NoError(t, err)
	second, err := gen.Next()
	require.NoError(t, err)

	assert.Greater(t, second, first)

	p := Decompose(second)
	assert.Equal(t, at.UnixMilli(), p.Time.UnixMilli())
	assert.Equal(t, int64(42), p.Node)
	assert.Equal(t, int64(1), p.Sequence)
}

func TestNext_ClockMovedBack(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	gen, err := NewGenerator(1, WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	_, err = gen.Next()
	require.NoError(t, err)

	now = now.Add(-time.Second)
	_, err = gen.Next()
	assert.ErrorIs(t, err, ErrClockMovedBack)
}

func TestNodeFromString(t *testing.T) {
	a := NodeFromString("worker-a")
	assert.Equal(t, a, NodeFromString("worker-a"))
	assert.GreaterOrEqual(t, a, int64(0))
	assert.LessOrEqual(t, a, int64(MaxNode))
}
