// ABOUTME: Bounded, expiring set of recently seen event ids
// ABOUTME: Protocol drivers use it to drop events delivered twice

package dedupe

import (
	"container/list"
	"strings"
	"sync"
	"time"
)

const sweepInterval = time.Minute

type seenKey struct {
	key     string
	expires time.Time
}

// Window is a thread-safe set of keys that forgets entries after ttl and
// holds at most capacity entries, dropping the oldest first.
type Window struct {
	mu       sync.Mutex
	index    map[string]*list.Element
	order    *list.List // oldest at front
	ttl      time.Duration
	capacity int
	now      func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a Window and starts its background sweeper.
func New(ttl time.Duration, capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	w := &Window{
		index:    make(map[string]*list.Element),
		order:    list.New(),
		ttl:      ttl,
		capacity: capacity,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	go w.sweepLoop()
	return w
}

// Seen records key and reports whether it was already present and unexpired.
// The check and the insert happen under one lock.
func (w *Window) Seen(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if el, ok := w.index[key]; ok {
		sk := el.Value.(*seenKey)
		if now.Before(sk.expires) {
			return true
		}
		w.order.Remove(el)
		delete(w.index, key)
	}

	for len(w.index) >= w.capacity {
		w.removeFront()
	}
	w.index[key] = w.order.PushBack(&seenKey{key: key, expires: now.Add(w.ttl)})
	return false
}

// Contains reports whether key is present and unexpired without recording it.
func (w *Window) Contains(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	el, ok := w.index[key]
	return ok && w.now().Before(el.Value.(*seenKey).expires)
}

// ForgetPrefix drops every key starting with prefix.
func (w *Window) ForgetPrefix(prefix string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for key, el := range w.index {
		if strings.HasPrefix(key, prefix) {
			w.order.Remove(el)
			delete(w.index, key)
		}
	}
}

// Len returns the number of keys held, expired ones included until swept.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.index)
}

func (w *Window) removeFront() {
	front := w.order.Front()
	if front == nil {
		return
	}
	w.order.Remove(front)
	delete(w.index, front.Value.(*seenKey).key)
}

// sweep drops expired keys. Insertion order matches expiry order, so it
// stops at the first live entry.
func (w *Window) sweep() {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	for front := w.order.Front(); front != nil; front = w.order.Front() {
		if now.Before(front.Value.(*seenKey).expires) {
			return
		}
		w.removeFront()
	}
}

func (w *Window) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.sweep()
		}
	}
}

// Close stops the sweeper. Safe to call more than once.
func (w *Window) Close() {
	w.stopOnce.Do(func() { close(w.stop) })
}
