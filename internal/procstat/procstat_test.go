package procstat

import (
	"context"
	"testing"
)

func TestMeterDeltaIsNonNegative(t *testing.T) {
	m, err := NewMeter()
	if err != nil {
		t.Skipf("process stats unavailable: %v", err)
	}
	x := 0
	for i := 0; i < 5_000_000; i++ {
		x += i % 7
	}
	_ = x
	d, err := m.Delta(context.Background())
	if err != nil {
		t.Fatalf("delta: %v", err)
	}
	if d < 0 {
		t.Fatalf("negative delta %v", d)
	}
	d2, err := m.Delta(context.Background())
	if err != nil || d2 < 0 {
		t.Fatalf("second delta %v err=%v", d2, err)
	}
}

func TestHostUtilizationInRange(t *testing.T) {
	c, m := Host(context.Background())
	if c < 0 || c > 100 || m < 0 || m > 100 {
		t.Fatalf("utilization out of range cpu=%v mem=%v", c, m)
	}
}
