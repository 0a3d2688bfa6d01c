package server

import (
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Release may race between the session close path and a panic recovery;
// the counters must drop exactly once.
func TestConnectionLimiterConcurrentRelease(t *testing.T) {
	cl := NewConnectionLimiter("SMTP", 100, 10)
	addr := &net.TCPAddr{IP: net.ParseIP("192.0.2.1"), Port: 12345}

	release, err := cl.Accept(addr)
	require.NoError(t, err)
	require.Equal(t, int64(1), cl.Current())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release()
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(0), cl.Current())
	cl.mu.Lock()
	assert.Empty(t, cl.perIP)
	cl.mu.Unlock()
}

func TestConnectionLimiterConcurrentAcceptRelease(t *testing.T) {
	cl := NewConnectionLimiter("POP3", 1000, 100)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			addr := &net.TCPAddr{IP: net.IPv4(192, 0, 2, byte(i%5+1)), Port: 10000 + i}
			for j := 0; j < 20; j++ {
				release, err := cl.Accept(addr)
				if err != nil {
					t.Errorf("accept: %v", err)
					return
				}
				release()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(0), cl.Current())
	cl.mu.Lock()
	assert.Empty(t, cl.perIP)
	cl.mu.Unlock()
}

// The total cap holds under contention: no more than max acquisitions
// may be outstanding at once.
func TestConnectionLimiterConcurrentCap(t *testing.T) {
	const max = 5
	cl := NewConnectionLimiter("SMTP", max, 0)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		releases []func()
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			release, err := cl.Accept(&net.TCPAddr{IP: net.IPv4(198, 51, 100, byte(i+1)), Port: 2000})
			if err != nil {
				return
			}
			mu.Lock()
			releases = append(releases, release)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	assert.Len(t, releases, max)
	assert.Equal(t, int64(max), cl.Current())
	for _, release := range releases {
		release()
	}
	assert.Equal(t, int64(0), cl.Current())
}
