// Package clock abstracts wall time and periodic callbacks so call timers can
// be driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Stopper cancels a scheduled callback. Stop is safe to call more than once
// and from inside the callback itself.
type Stopper interface {
	Stop()
}

type Clock interface {
	Now() time.Time
	// Every runs fn once per interval until stopped. Invocations of fn for a
	// single schedule never overlap.
	Every(interval time.Duration, fn func()) Stopper
	// AfterFunc runs fn once after d unless stopped first.
	AfterFunc(d time.Duration, fn func()) Stopper
}

// Real is the process clock.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) Every(interval time.Duration, fn func()) Stopper {
	t := &realTicker{done: make(chan struct{})}
	tk := time.NewTicker(interval)
	go func() {
		defer tk.Stop()
		for {
			select {
			case <-t.done:
				return
			case <-tk.C:
				// Re-check so a tick racing Stop is not delivered.
				select {
				case <-t.done:
					return
				default:
				}
				fn()
			}
		}
	}()
	return t
}

func (Real) AfterFunc(d time.Duration, fn func()) Stopper {
	return realTimer{time.AfterFunc(d, fn)}
}

type realTicker struct {
	once sync.Once
	done chan struct{}
}

func (t *realTicker) Stop() {
	t.once.Do(func() { close(t.done) })
}

type realTimer struct {
	t *time.Timer
}

func (t realTimer) Stop() { t.t.Stop() }
