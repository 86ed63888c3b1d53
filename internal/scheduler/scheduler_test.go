package scheduler

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	if err := s.AddJob("* * * * *", func() {}); err != nil {
		t.Errorf("Expected no error adding job, got %v", err)
	}
	if err := s.AddJob("not a cron expr", func() {}); err == nil {
		t.Error("Expected error for invalid expression")
	}
}

func TestSchedulerEveryRejectsNonPositive(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	if err := s.Every("sweep", 0, func() {}); err == nil {
		t.Error("Expected error for zero interval")
	}
	if err := s.Every("sweep", time.Minute, func() {}); err != nil {
		t.Errorf("Every: %v", err)
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
}

func TestSchedulerSkipsOverlappingRuns(t *testing.T) {
	s := NewScheduler()
	var running, maxRunning, runs int32
	release := make(chan struct{})
	err := s.Every("slow", time.Second, func() {
		n := atomic.AddInt32(&running, 1)
		for {
			m := atomic.LoadInt32(&maxRunning)
			if n <= m || atomic.CompareAndSwapInt32(&maxRunning, m, n) {
				break
			}
		}
		atomic.AddInt32(&runs, 1)
		<-release
		atomic.AddInt32(&running, -1)
	})
	if err != nil {
		t.Fatalf("Every: %v", err)
	}
	time.Sleep(3500 * time.Millisecond)
	close(release)
	s.Stop()

	if atomic.LoadInt32(&runs) != 1 {
		t.Errorf("runs = %d, want 1 (later ticks should be skipped)", runs)
	}
	if atomic.LoadInt32(&maxRunning) != 1 {
		t.Errorf("max concurrent runs = %d, want 1", maxRunning)
	}
}
