package connectivity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type scriptedProber struct {
	mu     sync.Mutex
	errors []error
	calls  int
}

func (p *scriptedProber) Ping(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if len(p.errors) == 0 {
		return nil
	}
	next := p.errors[0]
	p.errors = p.errors[1:]
	return next
}

func TestSetOnlinePublishesTransitionsOnly(t *testing.T) {
	monitor := NewMonitor(false, nil)
	var observed []bool
	dispose := monitor.Subscribe(func(online bool) {
		observed = append(observed, online)
	})

	monitor.SetOnline(false)
	monitor.SetOnline(true)
	monitor.SetOnline(true)
	monitor.SetOnline(false)

	if len(observed) != 2 || observed[0] != true || observed[1] != false {
		t.Fatalf("expected [true false], got %v", observed)
	}

	dispose()
	dispose()
	monitor.SetOnline(true)
	if len(observed) != 2 {
		t.Fatalf("disposed listener must not be called, got %v", observed)
	}
	if !monitor.Online() {
		t.Fatalf("expected monitor to be online")
	}
}

func TestProbeRecordsReachability(t *testing.T) {
	monitor := NewMonitor(true, nil)
	prober := &scriptedProber{errors: []error{errors.New("unreachable")}}

	if monitor.Probe(context.Background(), prober) {
		t.Fatalf("expected failing probe to report offline")
	}
	if monitor.Online() {
		t.Fatalf("expected monitor to be offline after failed probe")
	}
	if !monitor.Probe(context.Background(), prober) {
		t.Fatalf("expected successful probe to report online")
	}
}

func TestRunStopsWithContext(t *testing.T) {
	monitor := NewMonitor(false, nil)
	prober := &scriptedProber{}
	transitions := make(chan bool, 4)
	monitor.Subscribe(func(online bool) { transitions <- online })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		monitor.Run(ctx, prober, 10*time.Millisecond)
		close(done)
	}()

	select {
	case online := <-transitions:
		if !online {
			t.Fatalf("expected an online transition")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for the first probe")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancellation")
	}
}
