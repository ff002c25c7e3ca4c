package gcsvc

import "testing"

type fakeSweepable struct {
	swept []uint64
}

func (f *fakeSweepable) GarbageCollect(oldestVisibleVersion uint64) {
	f.swept = append(f.swept, oldestVisibleVersion)
}

func TestNewRejectsInvalidSchedule(t *testing.T) {
	if _, err := New("not a cron expression", func() uint64 { return 0 }); err == nil {
		t.Fatal("expected an error for an invalid cron expression")
	}
}

func TestSweepInvokesEveryRegisteredTarget(t *testing.T) {
	s, err := New("@every 1h", func() uint64 { return 42 })
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	a := &fakeSweepable{}
	b := &fakeSweepable{}
	s.Register(a)
	s.Register(b)

	s.sweep()

	if len(a.swept) != 1 || a.swept[0] != 42 {
		t.Fatalf("expected target a to be swept at watermark 42, got %v", a.swept)
	}
	if len(b.swept) != 1 || b.swept[0] != 42 {
		t.Fatalf("expected target b to be swept at watermark 42, got %v", b.swept)
	}
}

func TestSweepWithNoTargetsIsNoOp(t *testing.T) {
	s, err := New("@every 1h", func() uint64 { return 1 })
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	s.sweep()
}
