package scheduler

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Pool holds one Worker per room, created on first use.
type Pool struct {
	mu          sync.Mutex
	workers     map[string]*Worker
	delayedSeq  uint64
}

func NewPool() *Pool {
	return &Pool{workers: make(map[string]*Worker)}
}

// Get returns roomID's Worker, creating it if necessary.
func (p *Pool) Get(roomID string) *Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[roomID]
	if !ok {
		w = NewWorker()
		p.workers[roomID] = w
	}
	return w
}

// Cleanup stops and releases roomID's Worker, if any — C4's cleanup(roomId)
// contract.
func (p *Pool) Cleanup(roomID string) {
	p.mu.Lock()
	w, ok := p.workers[roomID]
	if ok {
		delete(p.workers, roomID)
	}
	p.mu.Unlock()
	if ok {
		w.Stop()
	}
}

const countdownName = "countdown"

// StartCountdown implements C4's startTimer contract: cancels any existing
// countdown on roomID, fires onTick once per second with the
// post-decrement remaining value (the first tick carries durationSec-1),
// and invokes onComplete exactly once when remaining reaches 0. A
// durationSec <= 0 returns immediately without firing anything.
func (p *Pool) StartCountdown(roomID string, durationSec int, onTick func(remaining int), onComplete func()) {
	if durationSec <= 0 {
		return
	}
	w := p.Get(roomID)
	remaining := durationSec
	w.Start(countdownName, time.Second, true, func(elapsed int) {
		remaining--
		if remaining < 0 {
			return
		}
		onTick(remaining)
		if remaining == 0 {
			w.Cancel(countdownName)
			onComplete()
		}
	})
}

// CancelCountdown cancels roomID's running countdown, if any. Idempotent.
func (p *Pool) CancelCountdown(roomID string) {
	p.Get(roomID).Cancel(countdownName)
}

// ScheduleDelayed runs action once after delay, independent of any running
// countdown on roomID.
func (p *Pool) ScheduleDelayed(roomID string, delay time.Duration, action func()) {
	w := p.Get(roomID)
	name := "delayed-" + strconv.FormatUint(atomic.AddUint64(&p.delayedSeq, 1), 10)
	w.Start(name, delay, false, func(int) { action() })
}
