package bus

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/Isonimus/content-security-toolkit/pkg/protection"
)

// history retains the most recent published events for debugging. It is
// backed by a bounded LRU cache keyed by a monotonic sequence number;
// entries are only ever added, so eviction is FIFO on the oldest event.
type history struct {
	mu    sync.Mutex
	cache *lru.Cache
	seq   uint64
}

func newHistory(size int) *history {
	// lru.New only fails for a non-positive size, which New guards
	cache, _ := lru.New(size)
	return &history{cache: cache}
}

func (h *history) append(event protection.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	h.cache.Add(h.seq, event)
}

// events returns the retained events, oldest first.
func (h *history) events() []protection.Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	keys := h.cache.Keys()
	out := make([]protection.Event, 0, len(keys))
	for _, k := range keys {
		if v, ok := h.cache.Peek(k); ok {
			out = append(out, v.(protection.Event))
		}
	}
	return out
}

func (h *history) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cache.Len()
}
