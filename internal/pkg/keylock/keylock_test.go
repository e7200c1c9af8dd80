package keylock

import (
	"sync"
	"testing"
)

func TestLockSerializesSameKey(t *testing.T) {
	l := New()
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock("family-1")
			v := counter
			v++
			counter = v
			unlock()
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Fatalf("counter = %d, want 50", counter)
	}
	if l.Len() != 0 {
		t.Fatalf("entries leaked: %d", l.Len())
	}
}

func TestLockAllDeduplicatesAndReleases(t *testing.T) {
	l := New()
	unlock := l.LockAll([]string{"b", "a", "b"})
	if l.Len() != 2 {
		t.Fatalf("held keys = %d, want 2", l.Len())
	}
	unlock()
	if l.Len() != 0 {
		t.Fatalf("held keys after unlock = %d, want 0", l.Len())
	}
}

func TestLockAllOppositeOrdersDoNotDeadlock(t *testing.T) {
	l := New()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			l.LockAll([]string{"x", "y"})()
		}()
		go func() {
			defer wg.Done()
			l.LockAll([]string{"y", "x"})()
		}()
	}
	wg.Wait()
}
