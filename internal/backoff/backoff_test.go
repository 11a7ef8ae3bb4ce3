package backoff

import (
	"testing"
	"time"
)

func newTestCalc(jitter bool) (*Calculator, *time.Time) {
	c := New(Config{
		Base:        time.Second,
		Max:         60 * time.Second,
		Jitter:      jitter,
		QuietPeriod: 5 * time.Minute,
	})
	now := time.Unix(9000, 0)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestDelay_ExponentialCurve(t *testing.T) {
	c, _ := newTestCalc(false)

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 32 * time.Second},
		{7, 60 * time.Second}, // capped
		{50, 60 * time.Second},
	}
	for _, tc := range cases {
		if got := c.Delay(tc.attempt); got != tc.want {
			t.Errorf("Delay(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestDelay_JitterBounds(t *testing.T) {
	c, _ := newTestCalc(true)

	for i := 0; i < 200; i++ {
		d := c.Delay(4) // nominal 8s
		if d < 5600*time.Millisecond || d > 10400*time.Millisecond {
			t.Fatalf("jittered Delay(4) = %v, want within ±30%% of 8s", d)
		}
	}

	// Jitter never collapses below the floor.
	for i := 0; i < 200; i++ {
		if d := c.Delay(1); d < jitterFloor {
			t.Fatalf("jittered Delay(1) = %v, below floor %v", d, jitterFloor)
		}
	}

	// Capped delays stay bounded regardless of attempt number.
	for i := 0; i < 200; i++ {
		if d := c.Delay(100); d > 78*time.Second {
			t.Fatalf("jittered Delay(100) = %v, above max+30%%", d)
		}
	}
}

func TestNext_CountsPerIdentity(t *testing.T) {
	c, _ := newTestCalc(false)

	if d := c.Next("dev1"); d != time.Second {
		t.Errorf("first attempt = %v, want 1s", d)
	}
	if d := c.Next("dev1"); d != 2*time.Second {
		t.Errorf("second attempt = %v, want 2s", d)
	}

	// Independent identity starts fresh.
	if d := c.Next("dev2"); d != time.Second {
		t.Errorf("other identity first attempt = %v, want 1s", d)
	}
}

func TestNext_QuietPeriodResets(t *testing.T) {
	c, now := newTestCalc(false)

	c.Next("dev1")
	c.Next("dev1")
	c.Next("dev1")

	*now = now.Add(5 * time.Minute)
	if d := c.Next("dev1"); d != time.Second {
		t.Errorf("post-quiet attempt = %v, want 1s (counter reset)", d)
	}
}

func TestReset_ClearsCounter(t *testing.T) {
	c, _ := newTestCalc(false)

	c.Next("dev1")
	c.Next("dev1")
	c.Reset("dev1")

	if d := c.Next("dev1"); d != time.Second {
		t.Errorf("post-reset attempt = %v, want 1s", d)
	}
}
