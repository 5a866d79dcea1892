package engine

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueueLocksSerializeAndRelease(t *testing.T) {
	locks := newQueueLocks()
	var wg sync.WaitGroup
	counter := 0
	inside := 0
	maxInside := 0

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.lock("q1")
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			counter++
			inside--
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, counter)
	assert.Equal(t, 1, maxInside)
	assert.Equal(t, 0, locks.size())
}

func TestQueueLocksIndependentQueues(t *testing.T) {
	locks := newQueueLocks()
	unlockA := locks.lock("a")
	done := make(chan struct{})
	go func() {
		unlockB := locks.lock("b")
		unlockB()
		close(done)
	}()
	<-done
	assert.Equal(t, 1, locks.size())
	unlockA()
	assert.Equal(t, 0, locks.size())
}
