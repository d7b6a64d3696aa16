package metrics

import "testing"

func TestGetSnapshotAndResetEmpty(t *testing.T) {
	a := NewAggregator()
	snap := a.GetSnapshotAndReset()
	if snap.Count != 0 || snap.Min != nil || snap.Max != nil || snap.P50 != nil {
		t.Fatalf("expected a zero-value snapshot for an empty aggregator, got %+v", snap)
	}
}

func TestGetSnapshotAndResetComputesSummary(t *testing.T) {
	a := NewAggregator()
	for _, v := range []float64{10, 20, 30, 40, 50} {
		a.Record(v)
	}
	snap := a.GetSnapshotAndReset()
	if snap.Count != 5 {
		t.Fatalf("expected Count=5, got %d", snap.Count)
	}
	if snap.Sum != 150 {
		t.Fatalf("expected Sum=150, got %v", snap.Sum)
	}
	if *snap.Min != 10 || *snap.Max != 50 {
		t.Fatalf("expected Min=10 Max=50, got Min=%v Max=%v", *snap.Min, *snap.Max)
	}
	if *snap.Last != 50 {
		t.Fatalf("expected Last to be the most recently recorded sample, got %v", *snap.Last)
	}
	// ceil(0.5*5)-1 = 2 -> sorted[2] == 30
	if *snap.P50 != 30 {
		t.Fatalf("expected P50=30, got %v", *snap.P50)
	}
}

func TestGetSnapshotAndResetClearsWindow(t *testing.T) {
	a := NewAggregator()
	a.Record(1)
	a.GetSnapshotAndReset()
	second := a.GetSnapshotAndReset()
	if second.Count != 0 {
		t.Fatalf("expected the window to be empty after a reset, got Count=%d", second.Count)
	}
}

func TestRegistryGetReturnsSameAggregatorForSameName(t *testing.T) {
	r := NewRegistry()
	a1 := r.Get("claimed_total")
	a2 := r.Get("claimed_total")
	if a1 != a2 {
		t.Fatalf("expected Get to return the same *Aggregator instance for a repeated name")
	}
}

func TestRegistrySnapshotAllCoversEveryRecordedMetric(t *testing.T) {
	r := NewRegistry()
	r.Get("a").Record(1)
	r.Get("b").Record(2)
	snaps := r.SnapshotAll()
	if len(snaps) != 2 {
		t.Fatalf("expected 2 metrics in the snapshot map, got %d", len(snaps))
	}
	if snaps["a"].Count != 1 || snaps["b"].Count != 1 {
		t.Fatalf("expected both metrics to have Count=1, got %+v", snaps)
	}
	// SnapshotAll resets each aggregator it covers.
	again := r.SnapshotAll()
	if again["a"].Count != 0 {
		t.Fatalf("expected SnapshotAll to reset the aggregators it snapshots")
	}
}

func TestPercentileClampsToBounds(t *testing.T) {
	sorted := []float64{1, 2, 3}
	if v := percentile(sorted, -1); *v != 1 {
		t.Fatalf("expected p<=0 to clamp to the minimum, got %v", *v)
	}
	if v := percentile(sorted, 2); *v != 3 {
		t.Fatalf("expected p>=1 to clamp to the maximum, got %v", *v)
	}
	if v := percentile(nil, 0.5); v != nil {
		t.Fatalf("expected percentile of an empty slice to be nil")
	}
}
