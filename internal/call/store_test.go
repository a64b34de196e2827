package call

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func TestSaveAndGet(t *testing.T) {
	s := NewStore(slog.Default())
	s.Save("call-1", "answer", "promo")

	d, ok := s.Get("call-1")
	if !ok {
		t.Fatal("Get returned false for saved call")
	}
	if d.State != "answer" {
		t.Errorf("State = %q, want %q", d.State, "answer")
	}
	if d.Campaign != "promo" {
		t.Errorf("Campaign = %q, want %q", d.Campaign, "promo")
	}
	if d.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}
	if d.GatherStage != "" || d.SelectedOption != "" {
		t.Errorf("new record carries stage=%q option=%q, want empty", d.GatherStage, d.SelectedOption)
	}
}

func TestGetUnknown(t *testing.T) {
	s := NewStore(slog.Default())
	if _, ok := s.Get("nope"); ok {
		t.Error("Get returned true for unknown call")
	}
}

func TestGetReturnsSnapshot(t *testing.T) {
	s := NewStore(slog.Default())
	s.Save("call-1", "answer", "promo")

	d, _ := s.Get("call-1")
	d.State = "mutated"

	again, _ := s.Get("call-1")
	if again.State != "answer" {
		t.Errorf("State = %q after caller mutation, want %q", again.State, "answer")
	}
}

func TestSaveOverwrites(t *testing.T) {
	s := NewStore(slog.Default())
	s.Save("call-1", "answer", "promo")
	s.Update("call-1", func(d *Data) { d.GatherStage = GatherStageFirst })

	s.Save("call-1", "options", "survey")

	d, _ := s.Get("call-1")
	if d.State != "options" || d.Campaign != "survey" {
		t.Errorf("record = %+v, want fresh options/survey", d)
	}
	if d.GatherStage != "" {
		t.Errorf("GatherStage = %q survived overwrite, want empty", d.GatherStage)
	}
}

func TestUpdateMerges(t *testing.T) {
	s := NewStore(slog.Default())
	s.Save("call-1", "answer", "promo")

	ok := s.Update("call-1", func(d *Data) {
		d.State = "gather1"
		d.GatherStage = GatherStageSecond
	})
	if !ok {
		t.Fatal("Update returned false for existing call")
	}

	d, _ := s.Get("call-1")
	if d.State != "gather1" {
		t.Errorf("State = %q, want gather1", d.State)
	}
	if d.GatherStage != GatherStageSecond {
		t.Errorf("GatherStage = %q, want %q", d.GatherStage, GatherStageSecond)
	}
	if d.Campaign != "promo" {
		t.Errorf("Campaign = %q changed by unrelated update, want promo", d.Campaign)
	}
}

func TestUpdateMissingIsNoOp(t *testing.T) {
	s := NewStore(slog.Default())

	if ok := s.Update("nope", func(d *Data) { d.State = "x" }); ok {
		t.Error("Update returned true for missing call")
	}
	if s.Len() != 0 {
		t.Errorf("Len = %d after no-op update, want 0", s.Len())
	}
}

func TestDelete(t *testing.T) {
	s := NewStore(slog.Default())
	s.Save("call-1", "answer", "promo")

	s.Delete("call-1")
	if _, ok := s.Get("call-1"); ok {
		t.Error("record still present after Delete")
	}

	// Deleting again is harmless.
	s.Delete("call-1")
}

func TestSweepRemovesStaleKeepsFresh(t *testing.T) {
	s := NewStoreWithConfig(60*time.Millisecond, 20*time.Millisecond, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.Save("old", "answer", "promo")
	time.Sleep(100 * time.Millisecond)
	s.Save("fresh", "answer", "promo")
	time.Sleep(40 * time.Millisecond)

	if _, ok := s.Get("old"); ok {
		t.Error("stale record survived sweep")
	}
	if _, ok := s.Get("fresh"); !ok {
		t.Error("fresh record removed by sweep")
	}
}

func TestLen(t *testing.T) {
	s := NewStore(slog.Default())
	s.Save("a", "answer", "promo")
	s.Save("b", "answer", "promo")

	if got := s.Len(); got != 2 {
		t.Errorf("Len = %d, want 2", got)
	}
}
