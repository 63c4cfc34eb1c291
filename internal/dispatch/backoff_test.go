package dispatch

import (
	"testing"
	"time"
)

func TestRetryDelay_Bounds(t *testing.T) {
	cases := []struct {
		retries  int
		min, max time.Duration
	}{
		{0, 500 * time.Millisecond, time.Second},
		{1, 500 * time.Millisecond, time.Second},
		{2, time.Second, 2 * time.Second},
		{5, 8 * time.Second, 16 * time.Second},
		{20, 128 * time.Second, 256 * time.Second}, // exponent caps at 8
	}
	for _, c := range cases {
		for i := 0; i < 50; i++ {
			got := retryDelay(c.retries)
			if got < c.min || got > c.max {
				t.Fatalf("retryDelay(%d) = %s, want within [%s, %s]", c.retries, got, c.min, c.max)
			}
		}
	}
}
