package ring

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffer_AppendAndSnapshot(t *testing.T) {
	b := New[string](3)

	b.Append("a")
	b.Append("b")
	assert.Equal(t, []string{"a", "b"}, b.Snapshot())
	assert.Equal(t, 2, b.Len())
	assert.Equal(t, 3, b.Cap())
}

func TestBuffer_DropOldestOnOverflow(t *testing.T) {
	b := New[int](3)

	for i := 1; i <= 5; i++ {
		b.Append(i)
	}

	assert.Equal(t, []int{3, 4, 5}, b.Snapshot())

	writes, evicted := b.Stats()
	assert.Equal(t, uint64(5), writes)
	assert.Equal(t, uint64(2), evicted)
}

func TestBuffer_AppendAll(t *testing.T) {
	b := New[int](4)
	b.AppendAll([]int{1, 2, 3, 4, 5, 6})
	assert.Equal(t, []int{3, 4, 5, 6}, b.Snapshot())
}

func TestBuffer_Clear(t *testing.T) {
	b := New[int](2)
	b.Append(1)
	b.Append(2)
	b.Clear()

	assert.Equal(t, 0, b.Len())
	assert.Empty(t, b.Snapshot())

	// Still usable after clear
	b.Append(7)
	assert.Equal(t, []int{7}, b.Snapshot())
}

func TestBuffer_MinimumCapacity(t *testing.T) {
	b := New[int](0)
	require.Equal(t, 1, b.Cap())
	b.Append(1)
	b.Append(2)
	assert.Equal(t, []int{2}, b.Snapshot())
}

func TestBuffer_ConcurrentAppend(t *testing.T) {
	b := New[string](100)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				b.Append(fmt.Sprintf("g%d-%d", g, i))
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, 100, b.Len())
	writes, evicted := b.Stats()
	assert.Equal(t, uint64(400), writes)
	assert.Equal(t, uint64(300), evicted)
}
