package watchdog

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatchdog_FiresOnStaleHeartbeat(t *testing.T) {
	var mu sync.Mutex
	var fired []string

	w := New(func(agent string, age time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		fired = append(fired, agent)
	}, WithTickInterval(5*time.Millisecond))

	w.SetTimeout("agent-a", 10*time.Millisecond)
	w.Heartbeat("agent-a")
	w.Start()
	defer w.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fired) == 1 && fired[0] == "agent-a"
	}, time.Second, 5*time.Millisecond)
}

func TestWatchdog_ResetTimeoutPreventsFiring(t *testing.T) {
	var mu sync.Mutex
	fired := false

	w := New(func(agent string, age time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		fired = true
	}, WithTickInterval(5*time.Millisecond))

	w.SetTimeout("agent-a", 30*time.Millisecond)
	w.Heartbeat("agent-a")
	w.Start()
	defer w.Stop()

	stop := time.After(80 * time.Millisecond)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-stop:
			break loop
		case <-ticker.C:
			w.ResetTimeout("agent-a")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	require.False(t, fired)
}

func TestWatchdog_ForgetStopsTracking(t *testing.T) {
	fired := false
	w := New(func(agent string, age time.Duration) {
		fired = true
	}, WithTickInterval(5*time.Millisecond))

	w.SetTimeout("agent-a", 10*time.Millisecond)
	w.Heartbeat("agent-a")
	w.Forget("agent-a")
	w.Start()
	defer w.Stop()

	time.Sleep(50 * time.Millisecond)
	require.False(t, fired)
}
