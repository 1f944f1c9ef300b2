// Package date caches the RFC1123 Date header value so response synthesis
// does not format a timestamp per message.
package date

import (
	"sync/atomic"
	"time"
)

var current atomic.Pointer[[]byte]

// StartTicker refreshes the cached date twice a second and returns a stop
// function.
func StartTicker() func() {
	refresh()
	ticker := time.NewTicker(500 * time.Millisecond)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				refresh()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	return func() { close(done) }
}

func refresh() {
	b := []byte(time.Now().UTC().Format(time.RFC1123))
	current.Store(&b)
}

// Current returns the cached Date header bytes, formatting on the spot if
// the ticker has not started.
func Current() []byte {
	if p := current.Load(); p != nil {
		return *p
	}
	return []byte(time.Now().UTC().Format(time.RFC1123))
}
