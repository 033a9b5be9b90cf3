package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Priya8975/promo-dispatch/internal/domain"
	"github.com/Priya8975/promo-dispatch/internal/metrics"
)

const (
	minAdmissionPoll = 5 * time.Millisecond
	maxAdmissionPoll = time.Second
)

// Admitter serializes admission requests per channel and hands governor
// capacity to waiting jobs in round-robin order, so one large job cannot
// starve the others sharing a channel's budget.
type Admitter struct {
	governor RateGovernor
	logger   *slog.Logger
	recorder *metrics.Recorder

	mu    sync.Mutex
	lanes map[domain.Channel]*lane
}

func NewAdmitter(governor RateGovernor, recorder *metrics.Recorder, logger *slog.Logger) *Admitter {
	return &Admitter{
		governor: governor,
		logger:   logger,
		recorder: recorder,
		lanes:    make(map[domain.Channel]*lane),
	}
}

type waiter struct {
	jobID   string
	granted chan struct{}
	done    bool
	removed bool
}

// lane holds the waiters of one channel. Every job in ring has a non-empty queue.
type lane struct {
	mu      sync.Mutex
	queues  map[string][]*waiter
	ring    []string
	next    int
	running bool
	wake    chan struct{}
}

func newLane() *lane {
	return &lane{
		queues: make(map[string][]*waiter),
		wake:   make(chan struct{}, 1),
	}
}

func (l *lane) push(w *waiter) {
	q, ok := l.queues[w.jobID]
	if !ok {
		l.ring = append(l.ring, w.jobID)
	}
	l.queues[w.jobID] = append(q, w)
}

func (l *lane) head() *waiter {
	if len(l.ring) == 0 {
		return nil
	}
	if l.next >= len(l.ring) {
		l.next = 0
	}
	return l.queues[l.ring[l.next]][0]
}

func (l *lane) dropJob(i int) {
	l.ring = append(l.ring[:i], l.ring[i+1:]...)
	if i < l.next {
		l.next--
	}
	if l.next >= len(l.ring) {
		l.next = 0
	}
}

// pop removes the head waiter and moves the cursor to the next job.
func (l *lane) pop() *waiter {
	w := l.head()
	if w == nil {
		return nil
	}
	id := l.ring[l.next]
	q := l.queues[id][1:]
	if len(q) == 0 {
		delete(l.queues, id)
		l.dropJob(l.next)
	} else {
		l.queues[id] = q
		l.next = (l.next + 1) % len(l.ring)
	}
	return w
}

func (l *lane) remove(w *waiter) {
	q := l.queues[w.jobID]
	for i, x := range q {
		if x == w {
			q = append(q[:i], q[i+1:]...)
			break
		}
	}
	if len(q) > 0 {
		l.queues[w.jobID] = q
		return
	}
	delete(l.queues, w.jobID)
	for i, id := range l.ring {
		if id == w.jobID {
			l.dropJob(i)
			break
		}
	}
}

func (a *Admitter) lane(ch domain.Channel) *lane {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.lanes[ch]
	if !ok {
		l = newLane()
		a.lanes[ch] = l
	}
	return l
}

// Ticket is a reserved place in a channel's admission queue. Tickets of one
// job are granted in the order they were enqueued.
type Ticket struct {
	a     *Admitter
	ch    domain.Channel
	l     *lane
	w     *waiter
	start time.Time
}

// Enqueue reserves the next place for jobID on ch without blocking.
func (a *Admitter) Enqueue(jobID string, ch domain.Channel) *Ticket {
	l := a.lane(ch)
	w := &waiter{jobID: jobID, granted: make(chan struct{})}

	l.mu.Lock()
	l.push(w)
	if !l.running {
		l.running = true
		go a.serve(ch, l)
	}
	l.mu.Unlock()

	return &Ticket{a: a, ch: ch, l: l, w: w, start: time.Now()}
}

// Wait blocks until the ticket is granted or ctx is done. A grant that
// happened before ctx ended is kept and reported as nil.
func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case <-t.w.granted:
		t.a.recorder.ObserveAdmissionWait(t.ch, time.Since(t.start))
		return nil
	case <-ctx.Done():
		if t.Cancel() {
			t.a.recorder.ObserveAdmissionWait(t.ch, time.Since(t.start))
			return nil
		}
		return ctx.Err()
	}
}

// Cancel withdraws the ticket if it has not been granted yet. It reports
// whether the ticket was already granted, in which case the slot is spent.
func (t *Ticket) Cancel() bool {
	l := t.l
	l.mu.Lock()
	defer l.mu.Unlock()
	if t.w.done {
		return true
	}
	if t.w.removed {
		return false
	}
	t.w.removed = true
	l.remove(t.w)
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return false
}

// Admit blocks until the governor admits one attempt for jobID on ch, or ctx
// is done. An admission granted before ctx ends is kept and reported as nil.
func (a *Admitter) Admit(ctx context.Context, jobID string, ch domain.Channel) error {
	return a.Enqueue(jobID, ch).Wait(ctx)
}

// serve grants admissions on one channel until no waiter is left.
func (a *Admitter) serve(ch domain.Channel, l *lane) {
	ctx := context.Background()
	for {
		l.mu.Lock()
		if l.head() == nil {
			l.running = false
			l.mu.Unlock()
			return
		}
		if a.governor.TryAdmit(ctx, ch) {
			w := l.pop()
			w.done = true
			close(w.granted)
			l.mu.Unlock()
			continue
		}
		l.mu.Unlock()

		wait := a.governor.WaitTime(ctx, ch)
		if wait < minAdmissionPoll {
			wait = minAdmissionPoll
		}
		if wait > maxAdmissionPoll {
			wait = maxAdmissionPoll
		}
		a.logger.Debug("admission deferred", "channel", ch, "wait", wait)

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-l.wake:
			timer.Stop()
		}
	}
}
