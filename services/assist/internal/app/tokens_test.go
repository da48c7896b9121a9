package app

import (
	"errors"
	"sync"
	"testing"
)

func TestTokenRegistrySingleFlight(t *testing.T) {
	r := NewTokenRegistry()
	token, err := r.Start("s1")
	if err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if _, err := r.Start("s1"); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Start err = %v, want ErrBusy", err)
	}
	if _, err := r.Start("s2"); err != nil {
		t.Fatalf("Start for other session: %v", err)
	}
	r.Release("s1", token)
	if _, err := r.Start("s1"); err != nil {
		t.Fatalf("Start after Release: %v", err)
	}
}

func TestTokenRegistryCancel(t *testing.T) {
	r := NewTokenRegistry()
	token, err := r.Start("s1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !r.Cancel("s1") {
		t.Fatal("Cancel with live token reported false")
	}
	if !token.Cancelled() {
		t.Fatal("token flag not set after Cancel")
	}
	if r.Cancel("s1") {
		t.Fatal("second Cancel should report false")
	}
	if r.Active("s1") {
		t.Fatal("session still active after Cancel")
	}
	// Late Release of a cancelled token must not remove a newer one.
	next, err := r.Start("s1")
	if err != nil {
		t.Fatalf("Start after Cancel: %v", err)
	}
	r.Release("s1", token)
	if !r.Active("s1") {
		t.Fatal("stale Release removed the new token")
	}
	r.Release("s1", next)
	if r.Active("s1") {
		t.Fatal("Release of current token left session active")
	}
}

func TestTokenRegistryConcurrentStart(t *testing.T) {
	r := NewTokenRegistry()
	const n = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	won := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Start("s1"); err == nil {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if won != 1 {
		t.Fatalf("winners = %d, want exactly 1", won)
	}
}
