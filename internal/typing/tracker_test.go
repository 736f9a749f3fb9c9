package typing

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestStartStop(t *testing.T) {
	tr := New(time.Minute, nil)
	defer tr.Close()
	k := Key{ChatID: "c1", UserID: "alice"}

	var calls []bool
	tr.Set(k, true, func(was bool) { calls = append(calls, was) })
	if !tr.IsTyping(k) {
		t.Fatal("expected typing after start")
	}
	tr.Set(k, false, func(was bool) { calls = append(calls, was) })
	if tr.IsTyping(k) {
		t.Fatal("expected not typing after stop")
	}

	if len(calls) != 2 || calls[0] != false || calls[1] != true {
		t.Fatalf("unexpected previous-state sequence: %v", calls)
	}
}

func TestStopWithoutStart(t *testing.T) {
	tr := New(time.Minute, nil)
	defer tr.Close()
	k := Key{ChatID: "c1", UserID: "alice"}

	var was *bool
	tr.Set(k, false, func(w bool) { was = &w })
	if was == nil || *was {
		t.Fatalf("expected emit with wasTyping=false, got %v", was)
	}
	if tr.IsTyping(k) {
		t.Fatal("expected not typing")
	}
}

func TestExpiry(t *testing.T) {
	expired := make(chan Key, 1)
	tr := New(30*time.Millisecond, func(k Key) { expired <- k })
	defer tr.Close()
	k := Key{ChatID: "c1", UserID: "alice"}

	tr.Set(k, true, nil)

	select {
	case got := <-expired:
		if got != k {
			t.Fatalf("expired key %v, want %v", got, k)
		}
	case <-time.After(time.Second):
		t.Fatal("typing indicator never expired")
	}
	if tr.IsTyping(k) {
		t.Fatal("expected not typing after expiry")
	}
}

func TestRestartExtendsTimer(t *testing.T) {
	var mu sync.Mutex
	expiries := 0
	tr := New(60*time.Millisecond, func(Key) {
		mu.Lock()
		expiries++
		mu.Unlock()
	})
	defer tr.Close()
	k := Key{ChatID: "c1", UserID: "alice"}

	for i := 0; i < 4; i++ {
		tr.Set(k, true, nil)
		time.Sleep(30 * time.Millisecond)
	}
	mu.Lock()
	early := expiries
	mu.Unlock()
	if early != 0 {
		t.Fatalf("indicator expired while being refreshed (%d expiries)", early)
	}

	time.Sleep(150 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if expiries != 1 {
		t.Fatalf("expected exactly 1 expiry after refreshes stopped, got %d", expiries)
	}
}

func TestStopCancelsExpiry(t *testing.T) {
	expired := make(chan Key, 1)
	tr := New(20*time.Millisecond, func(k Key) { expired <- k })
	defer tr.Close()
	k := Key{ChatID: "c1", UserID: "alice"}

	tr.Set(k, true, nil)
	tr.Set(k, false, nil)

	select {
	case <-expired:
		t.Fatal("expiry fired after explicit stop")
	case <-time.After(80 * time.Millisecond):
	}
}

func TestKeysForUser(t *testing.T) {
	tr := New(time.Minute, nil)
	defer tr.Close()

	tr.Set(Key{"c1", "alice"}, true, nil)
	tr.Set(Key{"c2", "alice"}, true, nil)
	tr.Set(Key{"c3", "alice"}, false, nil)
	tr.Set(Key{"c1", "bob"}, true, nil)

	keys := tr.KeysForUser("alice")
	if len(keys) != 2 {
		t.Fatalf("expected 2 active keys for alice, got %v", keys)
	}
	for _, k := range keys {
		if k.UserID != "alice" || k.ChatID == "c3" {
			t.Errorf("unexpected key %v", k)
		}
	}
}

// TestLastWriteWins checks that emits for one key are observed in the order
// the updates were applied, so the final emitted state always matches the
// tracker's state even with concurrent writers.
func TestLastWriteWins(t *testing.T) {
	tr := New(time.Minute, nil)
	defer tr.Close()
	k := Key{ChatID: "c1", UserID: "alice"}

	var mu sync.Mutex
	var last bool
	var wg sync.WaitGroup
	for g := 0; g < 20; g++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				typing := (id+i)%2 == 0
				tr.Set(k, typing, func(bool) {
					mu.Lock()
					last = typing
					mu.Unlock()
				})
			}
		}(g)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if last != tr.IsTyping(k) {
		t.Fatalf("last emitted state %v differs from tracker state %v", last, tr.IsTyping(k))
	}
}

func TestCloseStopsTimers(t *testing.T) {
	expired := make(chan Key, 10)
	tr := New(20*time.Millisecond, func(k Key) { expired <- k })
	for i := 0; i < 5; i++ {
		tr.Set(Key{ChatID: fmt.Sprintf("c%d", i), UserID: "alice"}, true, nil)
	}
	tr.Close()

	select {
	case k := <-expired:
		t.Fatalf("expiry fired after Close for %v", k)
	case <-time.After(60 * time.Millisecond):
	}

	// Set after Close is a no-op.
	tr.Set(Key{"c9", "alice"}, true, nil)
	if tr.IsTyping(Key{"c9", "alice"}) {
		t.Fatal("expected Set after Close to be ignored")
	}
}
