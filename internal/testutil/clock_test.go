package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var epoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func TestManualClock_FrozenUntilMoved(t *testing.T) {
	clock := NewManualClock(epoch)
	assert.Equal(t, epoch, clock.Now())
	assert.Equal(t, epoch, clock.Now())

	clock.Advance(5 * time.Minute)
	assert.Equal(t, epoch.Add(5*time.Minute), clock.Now())

	clock.Set(epoch)
	assert.Equal(t, epoch, clock.Now())
}

func TestManualClock_ConcurrentAdvance(t *testing.T) {
	clock := NewManualClock(epoch)

	const goroutines = 50
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			clock.Advance(time.Second)
			_ = clock.Now()
		}()
	}
	wg.Wait()

	assert.Equal(t, epoch.Add(goroutines*time.Second), clock.Now())
}
