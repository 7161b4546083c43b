package dedupe

import (
	"fmt"
	"sync"
	"testing"
)

func TestRecent_Evicts(t *testing.T) {
	r := NewRecent(2)
	if !r.Add("a") || !r.Add("b") {
		t.Fatal("expected new ids to be accepted")
	}
	if r.Add("a") {
		t.Error("expected duplicate to be rejected")
	}
	r.Add("c")
	if !r.Add("a") {
		t.Error("expected evicted id to be accepted again")
	}
}

func TestRecent_EmptyIDAlwaysNew(t *testing.T) {
	r := NewRecent(2)
	if !r.Add("") || !r.Add("") {
		t.Error("expected empty ids to be treated as new")
	}
}

func TestRecent_DefaultLimit(t *testing.T) {
	r := NewRecent(0)
	if len(r.order) != DefaultLimit {
		t.Errorf("expected limit %d, got %d", DefaultLimit, len(r.order))
	}
}

func TestRecent_ConcurrentAdd(t *testing.T) {
	r := NewRecent(100)
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		fresh int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if r.Add(fmt.Sprintf("id-%d", j)) {
					mu.Lock()
					fresh++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	if fresh != 50 {
		t.Errorf("expected each id accepted once, got %d acceptances", fresh)
	}
}
