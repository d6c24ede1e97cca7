package keylock

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestTryLockExclusive(t *testing.T) {
	s := New()

	unlock, ok := s.TryLock("1:chat")
	if !ok {
		t.Fatal("first TryLock failed")
	}
	if _, ok := s.TryLock("1:chat"); ok {
		t.Fatal("second TryLock on held key succeeded")
	}
	if _, ok := s.TryLock("1:login"); !ok {
		t.Fatal("TryLock on a different key failed")
	}

	unlock()
	unlock()
	if s.Held("1:chat") {
		t.Error("key still held after unlock")
	}
	if _, ok := s.TryLock("1:chat"); !ok {
		t.Error("TryLock after unlock failed")
	}
}

func TestZeroValueUsable(t *testing.T) {
	var s Set
	unlock, ok := s.TryLock("k")
	if !ok {
		t.Fatal("TryLock on zero Set failed")
	}
	unlock()
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0", s.Len())
	}
}

func TestTryLockConcurrent(t *testing.T) {
	s := New()
	var (
		wg      sync.WaitGroup
		inside  int32
		maxSeen int32
		start   = make(chan struct{})
	)

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < 100; j++ {
				unlock, ok := s.TryLock("key")
				if !ok {
					continue
				}
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxSeen)
					if n <= m || atomic.CompareAndSwapInt32(&maxSeen, m, n) {
						break
					}
				}
				atomic.AddInt32(&inside, -1)
				unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	if maxSeen != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxSeen)
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d after all unlocks, want 0", s.Len())
	}
}
