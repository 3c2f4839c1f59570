package ringbuffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPushPopKeepsOrderAcrossGrowth(t *testing.T) {
	rb := New[int](2)
	for i := 0; i < 3; i++ {
		rb.Push(i)
	}
	v, ok := rb.Pop()
	assert.True(t, ok)
	assert.Equal(t, 0, v)
	for i := 3; i < 7; i++ {
		rb.Push(i)
	}
	assert.Equal(t, int64(6), rb.Len())
	items, ok := rb.PopN(10)
	assert.True(t, ok)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, items)
	_, ok = rb.PopN(1)
	assert.False(t, ok)
	assert.Equal(t, int64(0), rb.Len())
}
