package probe

import (
	"context"
	"time"

	ping "github.com/go-ping/ping"
)

// Latency sends one unprivileged ICMP echo and returns the round-trip time
// in milliseconds, or nil if the host did not answer in time. Latency is a
// nice-to-have for uptime trends, so every failure maps to nil.
func Latency(ctx context.Context, ip string, timeout time.Duration) *float64 {
	pinger, err := ping.NewPinger(ip)
	if err != nil {
		return nil
	}

	pinger.SetPrivileged(false)
	pinger.Count = 1
	pinger.Timeout = timeout

	done := make(chan error, 1)
	go func() {
		done <- pinger.Run()
	}()

	select {
	case <-ctx.Done():
		pinger.Stop()
		return nil
	case err := <-done:
		if err != nil {
			return nil
		}
	}

	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		return nil
	}

	ms := float64(stats.AvgRtt) / float64(time.Millisecond)
	return &ms
}
