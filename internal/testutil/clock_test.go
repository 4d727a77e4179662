package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var start = time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)

func TestSteppingClock_Advances(t *testing.T) {
	c := NewSteppingClock(start, time.Second)

	assert.Equal(t, start, c.Now())
	assert.Equal(t, start.Add(time.Second), c.Now())
	assert.Equal(t, start.Add(2*time.Second), c.Peek())
}

func TestSteppingClock_ZeroStepIsFrozen(t *testing.T) {
	c := NewSteppingClock(start, 0)
	assert.Equal(t, c.Now(), c.Now())
}

func TestSteppingClock_Reset(t *testing.T) {
	c := NewSteppingClock(start, time.Minute)
	c.Now()
	c.Now()
	c.Reset(start)
	assert.Equal(t, start, c.Now())
}

func TestSteppingClock_ThreadSafe(t *testing.T) {
	c := NewSteppingClock(start, time.Millisecond)
	const goroutines = 50

	seen := make(chan time.Time, goroutines)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen <- c.Now()
		}()
	}
	wg.Wait()
	close(seen)

	unique := map[time.Time]bool{}
	for ts := range seen {
		unique[ts] = true
	}
	assert.Len(t, unique, goroutines)
}
