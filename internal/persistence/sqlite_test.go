package persistence

import (
	"context"
	"testing"

	"github.com/veloxdb/veloxdb-core/internal/external"
)

func TestPersistCommitThenReplayRoundTrips(t *testing.T) {
	p, err := Open("")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer p.Close()

	cs := external.NewMemChangeset()
	cs.AddBlock(external.ChangesetBlock{ClassName: "Widget", Op: external.OpInsert})
	cs.AddBlock(external.ChangesetBlock{ClassName: "Widget", Op: external.OpUpdate})

	if err := p.PersistCommit(context.Background(), 1, 5, cs); err != nil {
		t.Fatalf("persist commit: %v", err)
	}

	var got []external.OperationType
	err = p.Replay(context.Background(), func(tranID, commitVersion uint64, block external.ChangesetBlock) error {
		if tranID != 1 || commitVersion != 5 {
			t.Fatalf("expected tranID=1 commitVersion=5, got tranID=%d commitVersion=%d", tranID, commitVersion)
		}
		got = append(got, block.Op)
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(got) != 2 || got[0] != external.OpInsert || got[1] != external.OpUpdate {
		t.Fatalf("expected [OpInsert OpUpdate], got %v", got)
	}
}

func TestReplayOrdersMultipleCommitsByCommitOrder(t *testing.T) {
	p, err := Open("")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer p.Close()

	for i, tranID := range []uint64{10, 11, 12} {
		cs := external.NewMemChangeset()
		cs.AddBlock(external.ChangesetBlock{ClassName: "Widget", Op: external.OpInsert})
		if err := p.PersistCommit(context.Background(), tranID, uint64(i+1), cs); err != nil {
			t.Fatalf("persist commit %d: %v", tranID, err)
		}
	}

	var order []uint64
	err = p.Replay(context.Background(), func(tranID, commitVersion uint64, block external.ChangesetBlock) error {
		order = append(order, tranID)
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(order) != 3 || order[0] != 10 || order[1] != 11 || order[2] != 12 {
		t.Fatalf("expected journal rows replayed in commit order, got %v", order)
	}
}

func TestAssignLogSequenceNumberIsMonotonic(t *testing.T) {
	p, err := Open("")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer p.Close()

	a := p.AssignLogSequenceNumber()
	b := p.AssignLogSequenceNumber()
	if b <= a {
		t.Fatalf("expected monotonically increasing LSNs, got %d then %d", a, b)
	}
}

func TestReplayOnEmptyJournalInvokesNothing(t *testing.T) {
	p, err := Open("")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer p.Close()

	called := false
	err = p.Replay(context.Background(), func(tranID, commitVersion uint64, block external.ChangesetBlock) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if called {
		t.Fatal("expected no callback invocations on an empty journal")
	}
}
