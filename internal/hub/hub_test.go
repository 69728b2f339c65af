// ABOUTME: Tests for the observer broadcast hub
// ABOUTME: Covers subscribe, broadcast, teardown, ordering, slow observers and concurrency

package hub

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, o *Observer) Frame {
	t.Helper()
	select {
	case raw, ok := <-o.Frames():
		require.True(t, ok, "observer closed")
		var f Frame
		require.NoError(t, json.Unmarshal(raw, &f))
		return f
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
		return Frame{}
	}
}

func assertNoFrame(t *testing.T, o *Observer) {
	t.Helper()
	select {
	case raw := <-o.Frames():
		t.Fatalf("unexpected frame: %s", raw)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_BroadcastReachesAllObserversOfSession(t *testing.T) {
	h := New(nil)
	defer h.Close()

	o1, _ := h.Subscribe(t.Context(), "s1")
	o2, _ := h.Subscribe(t.Context(), "s1")
	other, _ := h.Subscribe(t.Context(), "s2")

	h.Broadcast("s1", EventConnection, true)

	for _, o := range []*Observer{o1, o2} {
		f := recv(t, o)
		assert.Equal(t, EventConnection, f.Type)
		assert.Equal(t, true, f.Data)
	}
	assertNoFrame(t, other)
}

func TestHub_FrameShape(t *testing.T) {
	h := New(nil)
	defer h.Close()

	o, _ := h.Subscribe(t.Context(), "s1")
	h.Broadcast("s1", EventQR, "code-123")

	raw := <-o.Frames()
	assert.JSONEq(t, `{"type":"qr","data":"code-123"}`, string(raw))
}

func TestHub_PerSessionOrdering(t *testing.T) {
	h := New(nil)
	defer h.Close()

	o, _ := h.Subscribe(t.Context(), "s1")
	h.Broadcast("s1", EventQR, "c")
	h.Broadcast("s1", EventConnection, false)
	h.Broadcast("s1", EventConnection, true)
	h.Broadcast("s1", EventAll, []string{})

	assert.Equal(t, EventQR, recv(t, o).Type)
	assert.Equal(t, false, recv(t, o).Data)
	assert.Equal(t, true, recv(t, o).Data)
	assert.Equal(t, EventAll, recv(t, o).Type)
}

func TestHub_TeardownRemovesEmptySession(t *testing.T) {
	h := New(nil)
	defer h.Close()

	o1, stop1 := h.Subscribe(t.Context(), "s1")
	_, stop2 := h.Subscribe(t.Context(), "s1")
	assert.Equal(t, 2, h.Count("s1"))

	stop1()
	stop1() // idempotent
	assert.Equal(t, 1, h.Count("s1"))

	_, open := <-o1.Frames()
	assert.False(t, open)

	stop2()
	assert.Equal(t, 0, h.Count("s1"))
	assert.Empty(t, h.Sessions())
}

func TestHub_ContextCancelTearsDown(t *testing.T) {
	h := New(nil)
	defer h.Close()

	ctx, cancel := context.WithCancel(context.Background())
	o, _ := h.Subscribe(ctx, "s1")
	cancel()

	select {
	case _, open := <-o.Frames():
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("observer not removed after cancel")
	}
	assert.Eventually(t, func() bool { return h.Count("s1") == 0 }, time.Second, 10*time.Millisecond)
}

func TestHub_SlowObserverDoesNotBlockOthers(t *testing.T) {
	h := New(nil)
	defer h.Close()

	slow, _ := h.Subscribe(t.Context(), "s1")
	fast, _ := h.Subscribe(t.Context(), "s1")

	for i := 0; i < observerBufferSize+10; i++ {
		h.Broadcast("s1", EventConnection, i)
		recv(t, fast)
	}

	assert.Len(t, slow.frames, observerBufferSize)
}

func TestHub_BroadcastWithoutObservers(t *testing.T) {
	h := New(nil)
	defer h.Close()

	assert.NotPanics(t, func() { h.Broadcast("nobody", EventAll, nil) })
}

func TestHub_UnencodableDataIsDropped(t *testing.T) {
	h := New(nil)
	defer h.Close()

	o, _ := h.Subscribe(t.Context(), "s1")
	h.Broadcast("s1", EventAll, make(chan int))
	assertNoFrame(t, o)
}

func TestHub_SendTargetsOneObserver(t *testing.T) {
	h := New(nil)
	defer h.Close()

	o1, stop1 := h.Subscribe(t.Context(), "s1")
	o2, _ := h.Subscribe(t.Context(), "s1")

	h.Send(o1, EventError, "nope")
	assert.Equal(t, "nope", recv(t, o1).Data)
	assertNoFrame(t, o2)

	stop1()
	assert.NotPanics(t, func() { h.Send(o1, EventError, "late") })
}

func TestHub_SubscribeAfterClose(t *testing.T) {
	h := New(nil)
	h.Close()

	o, stop := h.Subscribe(t.Context(), "s1")
	_, open := <-o.Frames()
	assert.False(t, open)
	stop()
}

func TestHub_ConcurrentSubscribeBroadcast(t *testing.T) {
	h := New(nil)
	defer h.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			o, stop := h.Subscribe(t.Context(), "s1")
			go func() {
				for range o.Frames() {
				}
			}()
			stop()
		}()
		go func(i int) {
			defer wg.Done()
			h.Broadcast("s1", EventConnection, i)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, h.Count("s1"))
}
