package lock

import (
	"sync"
	"testing"
)

func TestKeyedSerializesSameKey(t *testing.T) {
	k := NewKeyed(16)
	const n = 200
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			k.Lock("contact-42")
			counter++
			k.Unlock("contact-42")
		}()
	}
	wg.Wait()

	if counter != n {
		t.Errorf("counter = %d, want %d", counter, n)
	}
}

func TestKeyedDifferentKeysIndependent(t *testing.T) {
	k := NewKeyed(16)

	k.Lock("a")
	done := make(chan struct{})
	go func() {
		// Must not deadlock: "b" maps to a different shard than "a"
		// with these keys and 16 shards.
		k.Lock("b")
		k.Unlock("b")
		close(done)
	}()
	<-done
	k.Unlock("a")
}

func TestKeyedMinimumShards(t *testing.T) {
	k := NewKeyed(0)
	k.Lock("x")
	k.Unlock("x")
}
