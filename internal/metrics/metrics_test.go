package metrics

import (
	"testing"
	"time"
)

func TestNew_StartTimeSet(t *testing.T) {
	before := time.Now()
	m := New()
	after := time.Now()

	if m.startTime.Before(before) || m.startTime.After(after) {
		t.Errorf("startTime %v not in expected range [%v, %v]", m.startTime, before, after)
	}
}

func TestZeroValue_SnapshotSafe(t *testing.T) {
	var m Metrics
	s := m.Snapshot()
	if s.Requests.Total != 0 {
		t.Errorf("expected 0 total requests, got %d", s.Requests.Total)
	}
}

func TestRequestCounters(t *testing.T) {
	m := New()
	m.RequestsTotal.Add(10)
	m.RequestsPassed.Add(6)
	m.RequestsRedacted.Add(2)
	m.RequestsBlocked.Add(1)
	m.RequestsLimited.Add(1)

	s := m.Snapshot()
	if s.Requests.Total != 10 {
		t.Errorf("Total: got %d, want 10", s.Requests.Total)
	}
	if s.Requests.Passed != 6 {
		t.Errorf("Passed: got %d, want 6", s.Requests.Passed)
	}
	if s.Requests.Redacted != 2 {
		t.Errorf("Redacted: got %d, want 2", s.Requests.Redacted)
	}
	if s.Requests.Blocked != 1 {
		t.Errorf("Blocked: got %d, want 1", s.Requests.Blocked)
	}
	if s.Requests.Limited != 1 {
		t.Errorf("Limited: got %d, want 1", s.Requests.Limited)
	}
}

func TestErrorCounters(t *testing.T) {
	m := New()
	m.ErrorsUpstream.Add(3)
	m.ErrorsDLP.Add(2)
	m.ErrorsStorage.Add(1)

	s := m.Snapshot()
	if s.Errors.Upstream != 3 {
		t.Errorf("Upstream errors: got %d, want 3", s.Errors.Upstream)
	}
	if s.Errors.DLP != 2 {
		t.Errorf("DLP errors: got %d, want 2", s.Errors.DLP)
	}
	if s.Errors.Storage != 1 {
		t.Errorf("Storage errors: got %d, want 1", s.Errors.Storage)
	}
}

func TestTokenCounters(t *testing.T) {
	m := New()
	m.TokensRedacted.Add(50)

	s := m.Snapshot()
	if s.Redaction.TokensRedacted != 50 {
		t.Errorf("TokensRedacted: got %d, want 50", s.Redaction.TokensRedacted)
	}
}

func TestRecordDLPLatency_SingleSample(t *testing.T) {
	m := New()
	m.RecordDLPLatency(100 * time.Millisecond)

	s := m.Snapshot()
	if s.Latency.DLPMs.Count != 1 {
		t.Errorf("Count: got %d, want 1", s.Latency.DLPMs.Count)
	}
	if s.Latency.DLPMs.MinMs < 90 || s.Latency.DLPMs.MinMs > 110 {
		t.Errorf("MinMs: got %f, want ~100", s.Latency.DLPMs.MinMs)
	}
}

func TestRecordUpstreamLatency_MinMaxMean(t *testing.T) {
	m := New()
	m.RecordUpstreamLatency(50 * time.Millisecond)
	m.RecordUpstreamLatency(150 * time.Millisecond)
	m.RecordUpstreamLatency(100 * time.Millisecond)

	s := m.Snapshot()
	ls := s.Latency.UpstreamMs
	if ls.Count != 3 {
		t.Errorf("Count: got %d, want 3", ls.Count)
	}
	if ls.MinMs > 60 {
		t.Errorf("MinMs too high: %f", ls.MinMs)
	}
	if ls.MaxMs < 140 {
		t.Errorf("MaxMs too low: %f", ls.MaxMs)
	}
	if ls.MeanMs < 90 || ls.MeanMs > 110 {
		t.Errorf("MeanMs: got %f, want ~100", ls.MeanMs)
	}
}

func TestSnapshotLatency_EmptyIsZeroValue(t *testing.T) {
	m := New()
	s := m.Snapshot()
	if s.Latency.DLPMs.Count != 0 {
		t.Errorf("empty DLP latency count should be 0")
	}
	if s.Latency.UpstreamMs.Count != 0 {
		t.Errorf("empty upstream latency count should be 0")
	}
}

func TestSnapshot_UptimePositive(t *testing.T) {
	m := New()
	time.Sleep(5 * time.Millisecond)
	s := m.Snapshot()
	if s.UptimeSecs <= 0 {
		t.Errorf("UptimeSecs should be positive, got %f", s.UptimeSecs)
	}
}

func TestRound2(t *testing.T) {
	cases := []struct {
		input float64
		want  float64
	}{
		{1.236, 1.24},
		{1.234, 1.23},
		{100.0, 100.0},
		{0.0, 0.0},
	}
	for _, c := range cases {
		got := round2(c.input)
		if got != c.want {
			t.Errorf("round2(%f) = %f, want %f", c.input, got, c.want)
		}
	}
}

func TestLatencyStats_Record(t *testing.T) {
	var s latencyStats
	s.record(10)
	s.record(20)
	s.record(15)

	snap := s.snapshot()
	if snap.Count != 3 {
		t.Errorf("Count: got %d, want 3", snap.Count)
	}
	if snap.MinMs != 10 {
		t.Errorf("MinMs: got %f, want 10", snap.MinMs)
	}
	if snap.MaxMs != 20 {
		t.Errorf("MaxMs: got %f, want 20", snap.MaxMs)
	}
	if snap.MeanMs != 15 {
		t.Errorf("MeanMs: got %f, want 15", snap.MeanMs)
	}
}

func TestLatencyStats_Empty(t *testing.T) {
	var s latencyStats
	snap := s.snapshot()
	if snap.Count != 0 || snap.MinMs != 0 || snap.MaxMs != 0 || snap.MeanMs != 0 {
		t.Errorf("empty stats snapshot should be zero, got %+v", snap)
	}
}
