package mapsync

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestMonitor(t *testing.T) {
	monitor := NewMonitor()

	notify := monitor.NotifyChannel()
	select {
	case <-notify:
		t.FailNow()
	default:
	}

	monitor.NotifyAll()
	select {
	case <-notify:
	default:
		t.FailNow()
	}

	// the channel is replaced after each notify
	notify2 := monitor.NotifyChannel()
	select {
	case <-notify2:
		t.FailNow()
	default:
	}
}

func TestCallbackList(t *testing.T) {
	callbacks := NewCallbackList[func(int)]()

	assert.Equal(t, 0, len(callbacks.Get()))

	counts := map[int]int{}
	id0 := callbacks.Add(func(v int) {
		counts[0] += v
	})
	id1 := callbacks.Add(func(v int) {
		counts[1] += v
	})

	for _, callback := range callbacks.Get() {
		callback(1)
	}
	assert.Equal(t, 1, counts[0])
	assert.Equal(t, 1, counts[1])

	callbacks.Remove(id0)
	for _, callback := range callbacks.Get() {
		callback(1)
	}
	assert.Equal(t, 1, counts[0])
	assert.Equal(t, 2, counts[1])

	// removing twice is a no-op
	callbacks.Remove(id0)
	callbacks.Remove(id1)
	assert.Equal(t, 0, len(callbacks.Get()))
}

func TestReconnect(t *testing.T) {
	// elapsed time counts against the window
	reconnect := NewReconnect(50 * time.Millisecond)
	time.Sleep(60 * time.Millisecond)

	start := time.Now()
	<-reconnect.After()
	assert.Equal(t, true, time.Since(start) < 40*time.Millisecond)

	reconnect = NewReconnect(50 * time.Millisecond)
	start = time.Now()
	<-reconnect.After()
	assert.Equal(t, true, 30*time.Millisecond <= time.Since(start))
}
