// Package lane implements per-key serial execution lanes.
//
// A Lane is an in-memory FIFO queue that runs its tasks one at a time.
// A Gate maps grouping keys (conversation ids, device addresses) to lanes,
// creating them lazily and evicting them once idle. Lanes for different
// keys run fully in parallel; tasks within one lane never overlap.
//
// Example:
//
//	gate := lane.NewGate()
//	l := gate.Get("conversation-1")
//	if err := l.Enqueue(func() { deliver(job) }); err != nil {
//	    log.Printf("lane rejected work: %v", err)
//	}
package lane

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrDraining is returned by Enqueue once a lane has entered draining mode.
var ErrDraining = errors.New("lane is draining")

// Task is a unit of work executed by a lane.
type Task func()

// Lane is a concurrency-1 FIFO execution queue for one grouping key.
//
// A Lane remains usable after the owning Gate evicts it; eviction is a
// cache policy, not a correctness requirement. Callers that want per-key
// serialization must always obtain the lane through Gate.Get.
type Lane struct {
	key string

	mu       sync.Mutex
	pending  []Task
	running  bool
	draining bool
	idleCh   chan struct{} // closed and replaced on every idle transition
	onIdle   func(*Lane)
}

func newLane(key string, onIdle func(*Lane)) *Lane {
	return &Lane{
		key:    key,
		idleCh: make(chan struct{}),
		onIdle: onIdle,
	}
}

// Key returns the grouping key this lane serializes.
func (l *Lane) Key() string { return l.key }

// Enqueue appends a task to the lane's FIFO. The task runs after every
// previously enqueued task has finished. Returns ErrDraining if the lane
// no longer accepts work.
func (l *Lane) Enqueue(task Task) error {
	if task == nil {
		return errors.New("nil task")
	}

	l.mu.Lock()
	if l.draining {
		l.mu.Unlock()
		return ErrDraining
	}
	l.pending = append(l.pending, task)
	start := !l.running
	if start {
		l.running = true
	}
	l.mu.Unlock()

	if start {
		go l.run()
	}
	return nil
}

// run drains the pending queue one task at a time, then signals idle.
func (l *Lane) run() {
	for {
		l.mu.Lock()
		if len(l.pending) == 0 {
			l.running = false
			close(l.idleCh)
			l.idleCh = make(chan struct{})
			onIdle := l.onIdle
			l.mu.Unlock()
			if onIdle != nil {
				onIdle(l)
			}
			return
		}
		task := l.pending[0]
		l.pending = l.pending[1:]
		l.mu.Unlock()

		task()
	}
}

// Drain puts the lane into draining mode: new submissions fail fast with
// ErrDraining while in-flight and already-queued work is given up to grace
// to finish. It reports whether the lane went idle within the grace period.
// The mode is permanent either way; a lane is drained at most once.
func (l *Lane) Drain(grace time.Duration) bool {
	l.mu.Lock()
	l.draining = true
	if !l.running && len(l.pending) == 0 {
		l.mu.Unlock()
		return true
	}
	idle := l.idleCh
	l.mu.Unlock()

	select {
	case <-idle:
		return true
	case <-time.After(grace):
		logrus.WithFields(logrus.Fields{
			"key":   l.key,
			"grace": grace,
		}).Warn("Lane drain grace period expired with work still pending")
		return false
	}
}

// busy reports whether the lane has queued or running work.
// Caller must hold l.mu.
func (l *Lane) busy() bool {
	return l.running || len(l.pending) > 0
}

// Gate maps grouping keys to lanes.
//
// Lanes are created on first use and removed from the map when they go
// idle. A held *Lane stays valid after removal; a subsequent Get for the
// same key yields a fresh lane.
type Gate struct {
	mu    sync.Mutex
	lanes map[string]*Lane
}

// NewGate creates an empty gate.
func NewGate() *Gate {
	return &Gate{lanes: make(map[string]*Lane)}
}

// Get returns the lane for key, creating it if absent.
func (g *Gate) Get(key string) *Lane {
	g.mu.Lock()
	defer g.mu.Unlock()

	if l, ok := g.lanes[key]; ok {
		return l
	}
	l := newLane(key, g.evict)
	g.lanes[key] = l
	logrus.WithFields(logrus.Fields{
		"key":   key,
		"lanes": len(g.lanes),
	}).Debug("Created execution lane")
	return l
}

// evict removes an idle lane from the map. The lane is re-checked under
// both locks: work enqueued between the idle transition and this call
// keeps the lane registered.
func (g *Gate) evict(l *Lane) {
	g.mu.Lock()
	defer g.mu.Unlock()

	current, ok := g.lanes[l.key]
	if !ok || current != l {
		return
	}
	l.mu.Lock()
	busy := l.busy()
	l.mu.Unlock()
	if busy {
		return
	}
	delete(g.lanes, l.key)
}

// AllLanes returns a snapshot of the currently registered lanes.
func (g *Gate) AllLanes() []*Lane {
	g.mu.Lock()
	defer g.mu.Unlock()

	lanes := make([]*Lane, 0, len(g.lanes))
	for _, l := range g.lanes {
		lanes = append(lanes, l)
	}
	return lanes
}

// Len returns the number of registered lanes.
func (g *Gate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.lanes)
}

// DrainAll drains every registered lane concurrently, sharing one grace
// period. It reports whether all lanes went idle in time.
func (g *Gate) DrainAll(grace time.Duration) bool {
	lanes := g.AllLanes()

	var wg sync.WaitGroup
	var mu sync.Mutex
	all := true
	for _, l := range lanes {
		wg.Add(1)
		go func(l *Lane) {
			defer wg.Done()
			if !l.Drain(grace) {
				mu.Lock()
				all = false
				mu.Unlock()
			}
		}(l)
	}
	wg.Wait()

	logrus.WithFields(logrus.Fields{
		"lanes":   len(lanes),
		"drained": all,
	}).Info("Gate drained")
	return all
}
