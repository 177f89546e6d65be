package signal

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmitter_DeliversToAllObservers(t *testing.T) {
	var e Emitter[int]
	var got []int
	e.Connect(func(v int) { got = append(got, v) })
	e.Connect(func(v int) { got = append(got, v*10) })

	e.Emit(3)
	assert.ElementsMatch(t, []int{3, 30}, got)
}

func TestEmitter_DisconnectStopsDelivery(t *testing.T) {
	var e Emitter[string]
	calls := 0
	id := e.Connect(func(string) { calls++ })

	e.Emit("a")
	e.Disconnect(id)
	e.Emit("b")

	assert.Equal(t, 1, calls)
	e.Disconnect(999) // unknown tokens are ignored
}

func TestEmitter_EmitWithoutObservers(t *testing.T) {
	var e Emitter[struct{}]
	e.Emit(struct{}{}) // must not panic
}

func TestEmitter_ConcurrentEmitAndConnect(t *testing.T) {
	var e Emitter[int]
	var mu sync.Mutex
	seen := 0
	e.Connect(func(int) {
		mu.Lock()
		seen++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				e.Emit(j)
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 800, seen)
}
