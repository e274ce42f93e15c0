// Package date provides a cached RFC1123 date for the Date response header.
package date

import (
	"net/http"
	"sync/atomic"
	"time"
)

var current atomic.Pointer[string]

// StartTicker refreshes the cached value every 500ms until the returned
// stop function is called.
func StartTicker() func() {
	update(time.Now())

	ticker := time.NewTicker(500 * time.Millisecond)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case now := <-ticker.C:
				update(now)
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() {
		close(done)
	}
}

func update(now time.Time) {
	s := now.UTC().Format(http.TimeFormat)
	current.Store(&s)
}

// Current returns the cached date, formatting on the spot when the ticker
// has not been started.
func Current() string {
	if p := current.Load(); p != nil {
		return *p
	}
	return time.Now().UTC().Format(http.TimeFormat)
}
