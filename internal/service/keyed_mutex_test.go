package service

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	locks := newKeyedMutex()
	var inFlight, maxInFlight int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock(7)
			defer unlock()

			current := atomic.AddInt32(&inFlight, 1)
			for {
				seen := atomic.LoadInt32(&maxInFlight)
				if current <= seen || atomic.CompareAndSwapInt32(&maxInFlight, seen, current) {
					break
				}
			}
			atomic.AddInt32(&inFlight, -1)
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), maxInFlight)
	require.Zero(t, locks.size())
}

func TestKeyedMutexAllowsDistinctKeys(t *testing.T) {
	locks := newKeyedMutex()
	unlockA := locks.Lock(1)
	unlockB := locks.Lock(2)
	require.Equal(t, 2, locks.size())
	unlockA()
	unlockB()
	require.Zero(t, locks.size())
}
