// Package gcsvc schedules the engine's periodic garbage-collection sweep
// over class heaps and inverse-reference maps (§4.1 garbage_collect) via a
// cron expression
// instead of an ad hoc goroutine loop, replacing the teacher's
// concurrency.go worker-pool timer pattern with the pack's scheduler
// library.
//
// What: runs one sweep per class/index over every object id older than the
//       oldest read version any live transaction could still need.
// How: github.com/robfig/cron/v3 drives the schedule; the sweep itself is
//      plain sequential work dispatched through the target's own locking.
// Why: GC is a background maintenance task, not request-path work, so it
//      gets its own clock instead of stealing cycles from the commit pool.
package gcsvc

import (
	"log"
	"sync"

	"github.com/robfig/cron/v3"
)

// Sweepable is anything the GC service can run one reclamation pass over
// given the oldest version still visible to a live transaction.
type Sweepable interface {
	GarbageCollect(oldestVisibleVersion uint64)
}

// Service periodically invokes every registered Sweepable's GarbageCollect
// with the coordinator's current oldest-visible-version watermark.
type Service struct {
	cron *cron.Cron

	mu        sync.Mutex
	targets   []Sweepable
	watermark func() uint64

	entryID cron.EntryID
}

// New builds a GC service. schedule is a robfig/cron/v3 expression: a
// standard 5-field spec or a descriptor such as "@every 1m" (the engine
// default);
// oldestVisibleVersion returns the commit version below which no live
// transaction can still need an older record.
func New(schedule string, oldestVisibleVersion func() uint64) (*Service, error) {
	s := &Service{
		cron:      cron.New(),
		watermark: oldestVisibleVersion,
	}
	id, err := s.cron.AddFunc(schedule, s.sweep)
	if err != nil {
		return nil, err
	}
	s.entryID = id
	return s, nil
}

// Register adds a target to the sweep set. Safe to call while the service
// is running.
func (s *Service) Register(t Sweepable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets = append(s.targets, t)
}

// Start begins the cron schedule in the background.
func (s *Service) Start() { s.cron.Start() }

// Stop drains any in-flight sweep and stops the schedule.
func (s *Service) Stop() { <-s.cron.Stop().Done() }

func (s *Service) sweep() {
	oldest := s.watermark()
	s.mu.Lock()
	targets := append([]Sweepable(nil), s.targets...)
	s.mu.Unlock()

	for _, t := range targets {
		t.GarbageCollect(oldest)
	}
	log.Printf("gcsvc: swept %d targets below version %d", len(targets), oldest)
}
