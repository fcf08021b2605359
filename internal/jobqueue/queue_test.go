package jobqueue

import "testing"

func TestBackoffForGrowsAndCaps(t *testing.T) {
	cases := []struct {
		attempts int
		want     int
	}{
		{0, 30},
		{1, 60},
		{2, 120},
		{3, 240},
		{4, 480},
		{5, 600}, // 30*2^5=960, clamped to 600
		{10, 600},
	}
	for _, c := range cases {
		if got := int(backoffFor(c.attempts).Seconds()); got != c.want {
			t.Fatalf("backoffFor(%d) = %d, want %d", c.attempts, got, c.want)
		}
	}
}
