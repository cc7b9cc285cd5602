package ringbuffer

import "testing"

func TestBufferSnapshotBeforeFull(t *testing.T) {
	b := New(8)
	b.Add(1)
	b.Add(2)
	b.Add(3)

	snap := b.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("snapshot len = %d, want 3", len(snap))
	}
}

func TestBufferSnapshotCapsAtCapacity(t *testing.T) {
	b := New(4)
	for i := 0; i < 10; i++ {
		b.Add(float64(i))
	}
	snap := b.Snapshot()
	if len(snap) != 4 {
		t.Fatalf("snapshot len = %d, want 4 (capacity)", len(snap))
	}
}

func TestResetClearsBuffer(t *testing.T) {
	b := New(4)
	b.Add(1)
	b.Add(2)
	b.Reset()

	if snap := b.Snapshot(); len(snap) != 0 {
		t.Fatalf("snapshot after Reset = %v, want empty", snap)
	}

	b.Add(9)
	snap := b.Snapshot()
	if len(snap) != 1 || snap[0] != 9 {
		t.Fatalf("snapshot after Reset+Add = %v, want [9]", snap)
	}
}

func TestPercentilesEmpty(t *testing.T) {
	p50, p95, p99 := Percentiles(nil)
	if p50 != 0 || p95 != 0 || p99 != 0 {
		t.Errorf("percentiles of empty input should all be 0, got %v %v %v", p50, p95, p99)
	}
}

func TestPercentilesOrdering(t *testing.T) {
	samples := []float64{10, 1, 5, 9, 2, 8, 3, 7, 4, 6}
	p50, p95, p99 := Percentiles(samples)
	if !(p50 <= p95 && p95 <= p99) {
		t.Errorf("expected p50<=p95<=p99, got %v %v %v", p50, p95, p99)
	}
	if p50 < 1 || p99 > 10 {
		t.Errorf("percentiles out of sample range: p50=%v p99=%v", p50, p99)
	}
}

func TestPercentilesDoesNotMutateInput(t *testing.T) {
	samples := []float64{5, 3, 1, 4, 2}
	cp := append([]float64(nil), samples...)
	Percentiles(samples)
	for i := range samples {
		if samples[i] != cp[i] {
			t.Fatalf("Percentiles must not mutate its input slice")
		}
	}
}
