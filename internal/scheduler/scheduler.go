// Package scheduler implements the per-room Scheduler (C4): one goroutine
// per room consuming start/cancel/stop messages, grounded on
// MRamiBalles-CarcelGemelosJuego/server/internal/engine/ticker.go's
// time.Ticker loop and V4T54L-mafia's time.AfterFunc one-shot timers.
package scheduler

import (
	"context"
	"time"
)

// Callback is invoked when a countdown's delay elapses, or once per tick
// for a repeating countdown. elapsed is the number of ticks fired so far
// (1 on the first fire).
type Callback func(elapsed int)

type msgKind int

const (
	msgStart msgKind = iota
	msgCancel
	msgStop
)

type message struct {
	kind     msgKind
	name     string
	interval time.Duration
	repeat   bool
	cb       Callback
}

// Worker is the single goroutine serializing one room's scheduled work. At
// most one countdown is live per name at a time: starting a new countdown
// under the same name stops the prior one before the new one begins, per
// "At most one countdown per room."
type Worker struct {
	msgs chan message
	done chan struct{}
}

func NewWorker() *Worker {
	w := &Worker{
		msgs: make(chan message, 8),
		done: make(chan struct{}),
	}
	go w.loop()
	return w
}

// Start begins a countdown named name that fires cb after interval. If
// repeat is true, cb fires every interval until Cancel(name) or Stop.
// Starting a countdown under a name that is already running replaces it.
func (w *Worker) Start(name string, interval time.Duration, repeat bool, cb Callback) {
	select {
	case w.msgs <- message{kind: msgStart, name: name, interval: interval, repeat: repeat, cb: cb}:
	case <-w.done:
	}
}

// Cancel stops the named countdown if it is running. No-op otherwise.
func (w *Worker) Cancel(name string) {
	select {
	case w.msgs <- message{kind: msgCancel, name: name}:
	case <-w.done:
	}
}

// Stop shuts the worker down, cancelling all live countdowns. Safe to call
// once.
func (w *Worker) Stop() {
	select {
	case w.msgs <- message{kind: msgStop}:
	case <-w.done:
	}
}

type countdown struct {
	timer   *time.Timer
	ticker  *time.Ticker
	cancel  context.CancelFunc
}

func (w *Worker) loop() {
	active := make(map[string]*countdown)
	defer func() {
		for _, c := range active {
			stopCountdown(c)
		}
		close(w.done)
	}()

	type firing struct {
		name    string
		c       *countdown
		oneShot bool
		run     func()
	}
	fire := make(chan firing, 8)

	for {
		select {
		case m, ok := <-w.msgs:
			if !ok {
				return
			}
			switch m.kind {
			case msgStop:
				return
			case msgCancel:
				if c, ok := active[m.name]; ok {
					stopCountdown(c)
					delete(active, m.name)
				}
			case msgStart:
				if c, ok := active[m.name]; ok {
					stopCountdown(c)
					delete(active, m.name)
				}
				ctx, cancel := context.WithCancel(context.Background())
				c := &countdown{cancel: cancel}
				elapsed := 0
				name := m.name
				if m.repeat {
					c.ticker = time.NewTicker(m.interval)
					go func(t *time.Ticker, ctx context.Context, cb Callback) {
						for {
							select {
							case <-ctx.Done():
								return
							case <-t.C:
								elapsed++
								n := elapsed
								select {
								case fire <- firing{name: name, c: c, run: func() { cb(n) }}:
								case <-ctx.Done():
									return
								}
							}
						}
					}(c.ticker, ctx, m.cb)
				} else {
					c.timer = time.AfterFunc(m.interval, func() {
						select {
						case fire <- firing{name: name, c: c, oneShot: true, run: func() { m.cb(1) }}:
						case <-ctx.Done():
						}
					})
				}
				active[m.name] = c
			}
		case f := <-fire:
			if active[f.name] != f.c {
				// stale firing from a cancelled or replaced countdown
				continue
			}
			f.run()
			if f.oneShot {
				if c, ok := active[f.name]; ok {
					stopCountdown(c)
					delete(active, f.name)
				}
			}
		}
	}
}

func stopCountdown(c *countdown) {
	c.cancel()
	if c.timer != nil {
		c.timer.Stop()
	}
	if c.ticker != nil {
		c.ticker.Stop()
	}
}
