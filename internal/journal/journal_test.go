package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTemp(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestRecordAndReadBack(t *testing.T) {
	j := openTemp(t)
	ctx := context.Background()

	started := time.Now().Add(-2 * time.Second)
	rec := CycleRecord{
		Block:        1234,
		BlockTime:    1_700_000_000,
		Attempt:      1,
		Positions:    3,
		Liquidations: 1,
		Price:        "1.75",
		Status:       "ok",
		StartedAt:    started,
		FinishedAt:   time.Now(),
		Actions: []ActionRecord{
			{Kind: "liquidate", Sponsor: "0xA1", Price: "1.75", TxHash: "0xdead", Status: "ok"},
			{Kind: "dispute", Sponsor: "0xB2", LiquidationID: 4, Status: "reverted", Detail: "execution reverted"},
		},
	}
	if err := j.RecordCycle(ctx, rec); err != nil {
		t.Fatalf("RecordCycle: %v", err)
	}

	last, err := j.LastCycle(ctx)
	if err != nil {
		t.Fatalf("LastCycle: %v", err)
	}
	if last == nil {
		t.Fatal("LastCycle 应返回刚写入的周期")
	}
	if last.Block != 1234 || last.Positions != 3 || last.Status != "ok" {
		t.Fatalf("周期内容不符: %+v", last)
	}
	if last.Actions != 2 {
		t.Fatalf("动作数 = %d, want 2", last.Actions)
	}

	actions, err := j.RecentActions(ctx, 10)
	if err != nil {
		t.Fatalf("RecentActions: %v", err)
	}
	if len(actions) != 2 {
		t.Fatalf("动作条数 = %d, want 2", len(actions))
	}
	for _, a := range actions {
		if a.Kind == "dispute" {
			if a.LiquidationID != 4 || a.Status != "reverted" || a.Detail == "" {
				t.Fatalf("争议动作内容不符: %+v", a)
			}
		}
	}
}

func TestLastCycleEmpty(t *testing.T) {
	j := openTemp(t)

	last, err := j.LastCycle(context.Background())
	if err != nil {
		t.Fatalf("LastCycle: %v", err)
	}
	if last != nil {
		t.Fatalf("空库应返回 nil, got %+v", last)
	}
}

func TestMultipleCyclesLatestWins(t *testing.T) {
	j := openTemp(t)
	ctx := context.Background()

	for i, status := range []string{"failed", "ok"} {
		rec := CycleRecord{
			Block:      uint64(100 + i),
			Attempt:    i + 1,
			Status:     status,
			StartedAt:  time.Now().Add(time.Duration(i) * time.Second),
			FinishedAt: time.Now().Add(time.Duration(i)*time.Second + 500*time.Millisecond),
		}
		if err := j.RecordCycle(ctx, rec); err != nil {
			t.Fatalf("RecordCycle #%d: %v", i, err)
		}
	}

	last, err := j.LastCycle(ctx)
	if err != nil {
		t.Fatalf("LastCycle: %v", err)
	}
	if last == nil || last.Block != 101 || last.Status != "ok" {
		t.Fatalf("应返回最近一轮: %+v", last)
	}
}
