package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeBrain struct {
	mu      sync.Mutex
	delay   time.Duration
	fail    bool
	inFlight int
}

func (f *fakeBrain) Respond(ctx context.Context, systemPrompt, sessionID, prompt string) (Response, error) {
	f.mu.Lock()
	f.inFlight++
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()

	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
	if f.fail {
		return Response{}, errors.New("boom")
	}
	return Response{Text: "ok " + prompt, SessionID: sessionID}, nil
}

func TestSendSerializesAndRejectsOverlap(t *testing.T) {
	brain := &fakeBrain{delay: 50 * time.Millisecond}
	r := New(brain, "system")

	var wg sync.WaitGroup
	results := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := r.Send(context.Background(), "first")
		results <- err
	}()
	time.Sleep(5 * time.Millisecond)
	go func() {
		defer wg.Done()
		_, err := r.Send(context.Background(), "second")
		results <- err
	}()
	wg.Wait()
	close(results)

	var busyCount, okCount int
	for err := range results {
		if err == nil {
			okCount++
		} else if errors.Is(err, ErrBusy) {
			busyCount++
		} else {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if okCount != 1 || busyCount != 1 {
		t.Fatalf("expected exactly one success and one Busy rejection, got ok=%d busy=%d", okCount, busyCount)
	}
}

func TestSendAfterStopReturnsDead(t *testing.T) {
	brain := &fakeBrain{}
	r := New(brain, "system")
	r.Stop()

	_, err := r.Send(context.Background(), "hello")
	if !errors.Is(err, ErrDead) {
		t.Fatalf("expected ErrDead, got %v", err)
	}
}

func TestProtocolErrorKillsRuntime(t *testing.T) {
	brain := &fakeBrain{fail: true}
	r := New(brain, "system")

	_, err := r.Send(context.Background(), "hello")
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
	if r.State() != StateDead {
		t.Fatalf("expected StateDead after protocol error, got %v", r.State())
	}
	if r.IsReady() {
		t.Fatalf("dead runtime must not report ready")
	}
}

func TestIdleEventEmittedOnSuccess(t *testing.T) {
	brain := &fakeBrain{}
	r := New(brain, "system")

	var gotIdle bool
	var mu sync.Mutex
	r.OnEvent(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		if ev.Kind == EventIdle {
			gotIdle = true
		}
	})

	if _, err := r.Send(context.Background(), "hi"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if !gotIdle {
		t.Fatalf("expected an idle event after a successful send")
	}
}
