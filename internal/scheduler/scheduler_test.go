package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/etnwatch/etnwatch/internal/orchestrator"
)

type countingRunner struct {
	mu     sync.Mutex
	cycles int
	syncs  int
	resend int
}

func (c *countingRunner) RunCycle(context.Context) (orchestrator.CycleReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cycles++
	return orchestrator.CycleReport{State: orchestrator.StateCompleted}, nil
}

func (c *countingRunner) RunInventorySync(context.Context) (orchestrator.SyncReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncs++
	return orchestrator.SyncReport{}, nil
}

func (c *countingRunner) ResendExpiryAlerts(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resend++
	return nil
}

func (c *countingRunner) counts() (int, int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.syncs, c.cycles, c.resend
}

func TestStart_RejectsBadCron(t *testing.T) {
	s := New(&countingRunner{}, Config{SyncCron: "not a cron"}, zap.NewNop().Sugar())
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestStart_EmptySpecsSkipped(t *testing.T) {
	s := New(&countingRunner{}, Config{}, zap.NewNop().Sugar())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Stop()
}

func TestRunOnStart(t *testing.T) {
	r := &countingRunner{}
	s := New(r, Config{RunOnStart: true}, zap.NewNop().Sugar())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for {
		syncs, cycles, _ := r.counts()
		if syncs == 1 && cycles == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("startup run did not happen: syncs=%d cycles=%d", syncs, cycles)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
