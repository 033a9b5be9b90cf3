package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Priya8975/promo-dispatch/internal/domain"
)

// tokenGovernor admits while it has tokens and asks for a short wait otherwise.
type tokenGovernor struct {
	mu     sync.Mutex
	tokens int
}

func (g *tokenGovernor) TryAdmit(ctx context.Context, ch domain.Channel) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.tokens <= 0 {
		return false
	}
	g.tokens--
	return true
}

func (g *tokenGovernor) WaitTime(ctx context.Context, ch domain.Channel) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.tokens > 0 {
		return 0
	}
	return 10 * time.Millisecond
}

func (g *tokenGovernor) add(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tokens += n
}

func TestLane_RoundRobinAcrossJobs(t *testing.T) {
	l := newLane()
	for _, id := range []string{"j1", "j1", "j1", "j2", "j3", "j3"} {
		l.push(&waiter{jobID: id})
	}

	var got []string
	for w := l.pop(); w != nil; w = l.pop() {
		got = append(got, w.jobID)
	}

	want := []string{"j1", "j2", "j3", "j1", "j3", "j1"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestLane_FIFOWithinJob(t *testing.T) {
	l := newLane()
	first := &waiter{jobID: "j1"}
	second := &waiter{jobID: "j1"}
	l.push(first)
	l.push(second)

	if l.pop() != first || l.pop() != second {
		t.Error("waiters of one job should be granted in arrival order")
	}
}

func TestLane_RemoveKeepsCursor(t *testing.T) {
	l := newLane()
	a := &waiter{jobID: "j1"}
	b := &waiter{jobID: "j2"}
	c := &waiter{jobID: "j3"}
	l.push(a)
	l.push(b)
	l.push(c)

	if l.pop() != a {
		t.Fatal("expected j1 first")
	}
	l.remove(b)
	if w := l.pop(); w != c {
		t.Fatalf("expected j3 after j2 was removed, got %v", w)
	}
	if l.head() != nil {
		t.Error("lane should be empty")
	}
}

func TestAdmitter_GrantsWhenCapacityAppears(t *testing.T) {
	gov := &tokenGovernor{}
	a := NewAdmitter(gov, nil, testLogger())

	done := make(chan error, 1)
	go func() {
		done <- a.Admit(context.Background(), "job-1", domain.ChannelSMS)
	}()

	select {
	case <-done:
		t.Fatal("Admit returned before the governor had capacity")
	case <-time.After(50 * time.Millisecond):
	}

	gov.add(1)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Admit: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Admit did not return after capacity appeared")
	}
}

func TestAdmitter_ContextCancelWithdrawsWaiter(t *testing.T) {
	gov := &tokenGovernor{}
	a := NewAdmitter(gov, nil, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := a.Admit(ctx, "job-1", domain.ChannelSMS)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want context.DeadlineExceeded", err)
	}

	// The withdrawn waiter must not consume capacity that arrives later.
	gov.add(1)
	time.Sleep(50 * time.Millisecond)
	gov.mu.Lock()
	left := gov.tokens
	gov.mu.Unlock()
	if left != 1 {
		t.Errorf("tokens left: got %d, want 1", left)
	}
}

func TestAdmitter_SharesCapacityBetweenJobs(t *testing.T) {
	gov := &tokenGovernor{}
	a := NewAdmitter(gov, nil, testLogger())

	var mu sync.Mutex
	granted := map[string]int{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	start := func(job string, n int) {
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if a.Admit(ctx, job, domain.ChannelSMS) == nil {
					mu.Lock()
					granted[job]++
					mu.Unlock()
				}
			}()
		}
	}
	start("big", 20)
	start("small", 2)
	time.Sleep(50 * time.Millisecond)

	gov.add(4)
	time.Sleep(100 * time.Millisecond)
	cancel()
	wg.Wait()

	if granted["small"] != 2 {
		t.Errorf("small job got %d admissions out of 4, want 2 (round-robin)", granted["small"])
	}
	if granted["big"] != 2 {
		t.Errorf("big job got %d admissions, want 2", granted["big"])
	}
}

// granted reports whether t was granted, withdrawing it otherwise.
func granted(t *Ticket) bool {
	return t.Cancel()
}

func TestAdmitter_TicketsGrantedInEnqueueOrder(t *testing.T) {
	gov := &tokenGovernor{}
	a := NewAdmitter(gov, nil, testLogger())

	tickets := make([]*Ticket, 5)
	for i := range tickets {
		tickets[i] = a.Enqueue("job-1", domain.ChannelSMS)
	}

	gov.add(2)
	if err := tickets[1].Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	want := []bool{true, true, false, false, false}
	for i, tk := range tickets {
		if got := granted(tk); got != want[i] {
			t.Errorf("ticket %d granted = %v, want %v", i, got, want[i])
		}
	}
}

func TestAdmitter_CancelledTicketGivesUpItsPlace(t *testing.T) {
	gov := &tokenGovernor{}
	a := NewAdmitter(gov, nil, testLogger())

	first := a.Enqueue("job-1", domain.ChannelSMS)
	second := a.Enqueue("job-1", domain.ChannelSMS)
	if first.Cancel() {
		t.Fatal("ticket granted without capacity")
	}
	if first.Cancel() {
		t.Fatal("second Cancel reported a grant")
	}

	gov.add(1)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := second.Wait(ctx); err != nil {
		t.Fatalf("second ticket: %v", err)
	}
}
