package redisconn

import (
	"time"
)

// probeLoop watches the time since the last inbound byte. At trigger
// seconds of silence it calls probe once; if silence reaches
// trigger+timeout it calls kill and returns. Any inbound byte resets the
// cycle. The loop ends when done is closed.
func probeLoop(trigger, timeout time.Duration, idle func() time.Duration, probe, kill func(), done <-chan struct{}) {
	deadline := trigger + timeout
	t := time.NewTimer(trigger)
	defer t.Stop()
	probed := false
	for {
		select {
		case <-done:
			return
		case <-t.C:
		}
		d := idle()
		switch {
		case d >= deadline:
			kill()
			return
		case d >= trigger:
			if !probed {
				probed = true
				probe()
			}
			t.Reset(deadline - d)
		default:
			probed = false
			t.Reset(trigger - d)
		}
	}
}
