package outbox

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/orris-inc/flowlink/internal/shared/logger"
)

func TestQueue_FlushInOrder(t *testing.T) {
	q := NewQueue[[]byte](8, logger.NewNop())
	for i := 0; i < 3; i++ {
		q.Enqueue([]byte(fmt.Sprintf("f%d", i)))
	}

	var got []string
	n := q.Flush(func(b []byte) bool {
		got = append(got, string(b))
		return true
	})

	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"f0", "f1", "f2"}, got)
	assert.Zero(t, q.Len())
}

func TestQueue_FlushStopsAtFirstFailure(t *testing.T) {
	q := NewQueue[[]byte](8, logger.NewNop())
	for i := 0; i < 4; i++ {
		q.Enqueue([]byte(fmt.Sprintf("f%d", i)))
	}

	calls := 0
	n := q.Flush(func(b []byte) bool {
		calls++
		return string(b) != "f2"
	})
	assert.Equal(t, 2, n)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, q.Len())

	var rest []string
	q.Flush(func(b []byte) bool {
		rest = append(rest, string(b))
		return true
	})
	assert.Equal(t, []string{"f2", "f3"}, rest)
}

func TestQueue_DropsOldestWhenFull(t *testing.T) {
	q := NewQueue[[]byte](2, logger.NewNop())
	q.Enqueue([]byte("a"))
	q.Enqueue([]byte("b"))
	q.Enqueue([]byte("c"))
	assert.Equal(t, 2, q.Len())

	var got []string
	q.Flush(func(b []byte) bool {
		got = append(got, string(b))
		return true
	})
	assert.Equal(t, []string{"b", "c"}, got)
}

func TestQueue_DefaultCapacity(t *testing.T) {
	q := NewQueue[[]byte](0, logger.NewNop())
	for i := 0; i < DefaultCapacity+10; i++ {
		q.Enqueue([]byte{byte(i)})
	}
	assert.Equal(t, DefaultCapacity, q.Len())
}

func TestQueue_FlushEmpty(t *testing.T) {
	q := NewQueue[[]byte](4, logger.NewNop())
	assert.Zero(t, q.Flush(func([]byte) bool {
		t.Fatal("send must not be called")
		return false
	}))
}
