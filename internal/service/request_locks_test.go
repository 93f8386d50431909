package service

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestLocks_SerializesPerKey(t *testing.T) {
	locks := newRequestLocks()
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.lock("r1")
			defer unlock()
			v := counter
			counter = v + 1
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
	assert.Equal(t, 0, locks.size(), "entries are released")
}

func TestRequestLocks_IndependentKeys(t *testing.T) {
	locks := newRequestLocks()
	unlockA := locks.lock("a")
	unlockB := locks.lock("b")
	assert.Equal(t, 2, locks.size())
	unlockA()
	unlockB()
	assert.Equal(t, 0, locks.size())
}
