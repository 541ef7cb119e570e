package session

import "testing"

func baseStatus() Status {
	return Status{
		Lifecycle:            LifecycleRunning,
		ElapsedSeconds:       120,
		Asset:                "BTC-USD",
		Timeframe:            "1m",
		CurrentEquity:        10000,
		CurrentPnLPct:        1.25,
		TradesCount:          4,
		WinRate:              0.5,
		NextCandleETASeconds: 30,
	}
}

func TestApplyPoll_SuppressesJitter(t *testing.T) {
	p := NewStatusProjector()
	if !p.ApplyPoll(baseStatus()) {
		t.Fatal("first poll must apply")
	}
	v := p.Version()

	// Equity moved by less than the epsilon, nothing else changed.
	next := baseStatus()
	next.CurrentEquity += 0.005
	if p.ApplyPoll(next) {
		t.Fatal("sub-epsilon equity move must be suppressed")
	}
	if p.Version() != v {
		t.Fatal("suppressed poll must produce zero observable change")
	}
	if p.Snapshot().CurrentEquity != 10000 {
		t.Fatal("suppressed poll must not touch the snapshot")
	}
}

func TestApplyPoll_AppliesMeaningfulChanges(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Status)
	}{
		{"lifecycle", func(s *Status) { s.Lifecycle = LifecyclePaused }},
		{"elapsed", func(s *Status) { s.ElapsedSeconds++ }},
		{"equity", func(s *Status) { s.CurrentEquity += 0.02 }},
		{"pnl_pct", func(s *Status) { s.CurrentPnLPct += 0.001 }},
		{"trades", func(s *Status) { s.TradesCount++ }},
		{"win_rate", func(s *Status) { s.WinRate += 0.01 }},
		{"eta", func(s *Status) { s.NextCandleETASeconds = 10 }},
		{"asset", func(s *Status) { s.Asset = "ETH-USD" }},
		{"open_position", func(s *Status) {
			s.OpenPosition = &OpenPositionSummary{Type: "long", EntryPrice: 50000}
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := NewStatusProjector()
			p.ApplyPoll(baseStatus())

			next := baseStatus()
			tc.mutate(&next)
			if !p.ApplyPoll(next) {
				t.Fatalf("%s change must apply", tc.name)
			}
		})
	}
}

func TestApplyPoll_OpenPositionEpsilon(t *testing.T) {
	p := NewStatusProjector()
	withPos := baseStatus()
	withPos.OpenPosition = &OpenPositionSummary{Type: "long", EntryPrice: 50000, UnrealizedPnL: 12.5}
	p.ApplyPoll(withPos)

	jitter := withPos
	pos := *withPos.OpenPosition
	pos.UnrealizedPnL += 0.005
	jitter.OpenPosition = &pos
	if p.ApplyPoll(jitter) {
		t.Fatal("sub-epsilon unrealized PnL move must be suppressed")
	}

	moved := withPos
	pos2 := *withPos.OpenPosition
	pos2.UnrealizedPnL += 0.5
	moved.OpenPosition = &pos2
	if !p.ApplyPoll(moved) {
		t.Fatal("real unrealized PnL move must apply")
	}
}

func TestApplyPush_PartialMergeRetainsAbsentFields(t *testing.T) {
	p := NewStatusProjector()
	p.ApplyPoll(baseStatus())

	equity := 10100.0
	trades := 5
	p.ApplyPush(StatusPatch{CurrentEquity: &equity, TradesCount: &trades})

	got := p.Snapshot()
	if got.CurrentEquity != 10100 || got.TradesCount != 5 {
		t.Fatalf("patched fields not applied: %+v", got)
	}
	if got.Asset != "BTC-USD" || got.ElapsedSeconds != 120 || got.WinRate != 0.5 {
		t.Fatalf("absent fields must retain previous values: %+v", got)
	}
}

func TestApplyPush_AlwaysApplies(t *testing.T) {
	p := NewStatusProjector()
	p.ApplyPoll(baseStatus())
	v := p.Version()

	// Even a value identical to the current one goes through the push path.
	equity := 10000.0
	p.ApplyPush(StatusPatch{CurrentEquity: &equity})
	if p.Version() == v {
		t.Fatal("push must always apply")
	}
}

func TestApplyPoll_RefusedAfterTerminalLifecycle(t *testing.T) {
	for _, terminal := range []Lifecycle{LifecycleCompleted, LifecycleStopped, LifecycleError} {
		p := NewStatusProjector()
		p.ApplyPoll(baseStatus())
		p.SetLifecycle(terminal)
		v := p.Version()

		stale := baseStatus() // still reports running
		if p.ApplyPoll(stale) {
			t.Fatalf("stale poll must not leave %s", terminal)
		}
		if got := p.Snapshot().Lifecycle; got != terminal {
			t.Fatalf("lifecycle resurrected from %s to %s", terminal, got)
		}
		if p.Version() != v {
			t.Fatalf("refused poll must produce zero observable change for %s", terminal)
		}
	}
}

func TestSetError_KeepsSnapshot(t *testing.T) {
	p := NewStatusProjector()
	p.ApplyPoll(baseStatus())

	p.SetError("status refresh failed: boom")

	got := p.Snapshot()
	if got.LastError == "" {
		t.Fatal("error must be surfaced")
	}
	if got.CurrentEquity != 10000 || got.Lifecycle != LifecycleRunning {
		t.Fatal("a failed refresh must never blank the previous snapshot")
	}
}

func TestSetSessionError_TerminalWithVerbatimMessage(t *testing.T) {
	p := NewStatusProjector()
	p.ApplyPoll(baseStatus())

	p.SetSessionError("margin call: liquidation")

	got := p.Snapshot()
	if got.Lifecycle != LifecycleError {
		t.Fatalf("want error lifecycle, got %s", got.Lifecycle)
	}
	if got.LastError != "margin call: liquidation" {
		t.Fatalf("message must be carried verbatim, got %q", got.LastError)
	}
}
