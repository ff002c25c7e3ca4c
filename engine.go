// Package veloxcore is the public facade over the transactional object
// store: it wires the object heap, inverse-reference map, hash/sorted
// indexes, and transaction coordinator (internal/txn) together with the
// external collaborators (persistence, replication, garbage collection)
// into one runnable Engine, the way tinysql.go wires internal/storage and
// internal/engine into tinySQL's top-level DB type.
package veloxcore

import (
	"context"
	"fmt"

	"google.golang.org/grpc"

	"github.com/veloxdb/veloxdb-core/internal/diagnostics"
	"github.com/veloxdb/veloxdb-core/internal/external"
	"github.com/veloxdb/veloxdb-core/internal/gcsvc"
	"github.com/veloxdb/veloxdb-core/internal/hashindex"
	"github.com/veloxdb/veloxdb-core/internal/heap"
	"github.com/veloxdb/veloxdb-core/internal/persistence"
	"github.com/veloxdb/veloxdb-core/internal/replication"
	"github.com/veloxdb/veloxdb-core/internal/sortedindex"
	"github.com/veloxdb/veloxdb-core/internal/txn"
)

// Engine is the top-level handle a client holds: class registry, commit
// pipeline, and the collaborators the config wired in.
type Engine struct {
	Coord *txn.Coordinator
	cfg   EngineConfig

	blobs       *external.MemBlobHeap
	persistence *persistence.SQLitePersistence
	replServer  *grpc.Server
	replClient  *replication.Client
	gc          *gcsvc.Service
}

// Open builds an Engine from cfg: a SQLite-backed journal, an optional
// replication server/client pair, and a cron-scheduled garbage collector,
// all sitting behind the internal/external interfaces the core consumes
// (§6).
func Open(cfg EngineConfig) (*Engine, error) {
	pers, err := persistence.Open(cfg.PersistencePath)
	if err != nil {
		return nil, fmt.Errorf("veloxcore: open persistence: %w", err)
	}

	var replClient *replication.Client
	var repl external.Replicator
	if len(cfg.ReplicationPeers) > 0 {
		replClient, err = replication.NewClient(cfg.ReplicationPeers)
		if err != nil {
			pers.Close()
			return nil, fmt.Errorf("veloxcore: dial replication peers: %w", err)
		}
		repl = replClient
	}

	blobs := external.NewMemBlobHeap()
	coord := txn.NewCoordinator(txn.Config{
		CommitWorkers: cfg.CommitWorkers,
		Blobs:         blobs,
		Persistence:   pers,
		Replicator:    repl,
		DBName:        cfg.DBName,
	})

	var replServer *grpc.Server
	if cfg.ReplicationListenAddr != "" {
		srv := &replication.CoordinatorServer{Coord: coord}
		replServer, err = replication.Serve(cfg.ReplicationListenAddr, srv)
		if err != nil {
			pers.Close()
			return nil, fmt.Errorf("veloxcore: start replication server: %w", err)
		}
	}

	gc, err := gcsvc.New(cfg.GCSchedule, coord.OldestVisibleVersion)
	if err != nil {
		pers.Close()
		return nil, fmt.Errorf("veloxcore: start gc schedule: %w", err)
	}
	gc.Register(coord.InvRefs)

	return &Engine{
		Coord:       coord,
		cfg:         cfg,
		blobs:       blobs,
		persistence: pers,
		replServer:  replServer,
		replClient:  replClient,
		gc:          gc,
	}, nil
}

// RegisterClass declares a class's schema and registers its heap with the
// garbage collector's sweep targets.
func (e *Engine) RegisterClass(desc *heap.ClassDescriptor, poolIndex uint8) *txn.ClassRuntime {
	rt := e.Coord.RegisterClass(desc, poolIndex)
	e.gc.Register(rt.Heap)
	return rt
}

// AddHashIndex declares a hash index on a previously registered class,
// wiring its KeyFunc and VisibilityFunc to the class's own heap so callers
// only ever name the indexed properties.
func AddHashIndex(rt *txn.ClassRuntime, name string, poolIndex uint8, unique bool, props []int, compare hashindex.Comparer) *txn.HashIndexBinding {
	return rt.AddHashIndex(name, poolIndex, unique, props, rt.KeyOf(props), compare, rt.HashVisibility())
}

// AddSortedIndex declares a B+tree index on a previously registered class,
// wiring its VisibilityFunc to the class's own heap.
func AddSortedIndex(rt *txn.ClassRuntime, name string, poolIndex uint8, unique bool, props []int, compare sortedindex.Comparer) *txn.SortedIndexBinding {
	return rt.AddSortedIndex(name, poolIndex, unique, props, compare, rt.SortedVisibility())
}

// StartGC starts the cron-scheduled sweep; callers invoke this once every
// class that should be swept has been registered.
func (e *Engine) StartGC() { e.gc.Start() }

// CreateTransaction begins a new transaction against the engine (§4.5
// begin).
func (e *Engine) CreateTransaction(source external.TransactionSource, readWrite bool) (*txn.Transaction, error) {
	return e.Coord.Begin(source, readWrite)
}

// ApplyChangeset runs reader through a single fresh read-write transaction
// and commits it, for callers with no need to interleave multiple
// changesets in one transaction.
func (e *Engine) ApplyChangeset(source external.TransactionSource, reader external.ChangesetReader) (uint64, error) {
	tran, err := e.CreateTransaction(source, true)
	if err != nil {
		return 0, err
	}
	if err := tran.ApplyChangeset(reader); err != nil {
		return 0, err
	}
	return tran.Commit()
}

// ReserveIDRange hands out count consecutive object ids (§4.5/§6).
func (e *Engine) ReserveIDRange(count uint64) (uint64, error) {
	return e.Coord.ReserveIDRange(count)
}

// Recover replays the persistence journal into the engine as a sequence of
// SourceAlignment transactions, reconstructing heap/index state from
// whatever was durably committed before a restart. Callers run this after
// RegisterClass for every class the journal may reference, and before
// serving new traffic.
func (e *Engine) Recover(ctx context.Context) error {
	if e.persistence == nil {
		return nil
	}
	return e.persistence.Replay(ctx, func(tranID, commitVersion uint64, block external.ChangesetBlock) error {
		tran, err := e.Coord.Begin(external.SourceAlignment, true)
		if err != nil {
			return err
		}
		cs := external.NewMemChangeset()
		cs.AddBlock(block)
		if err := tran.ApplyChangeset(cs); err != nil {
			return err
		}
		_, err = tran.Commit()
		return err
	})
}

// ExportClassDiagnostics dumps a class's live objects as a point shapefile
// for offline spatial inspection of index contents, reading xProp/yProp/
// valueProp as the point's coordinates and tag value.
func (e *Engine) ExportClassDiagnostics(path, className string, xProp, yProp, valueProp int) error {
	tran, err := e.CreateTransaction(external.SourceInternal, false)
	if err != nil {
		return err
	}
	defer tran.Commit()

	objs, err := tran.ClassScan(className, 1)
	if err != nil {
		return err
	}
	points := make([]diagnostics.PointSource, 0, len(objs))
	for _, o := range objs {
		points = append(points, diagnostics.PointSource{
			ID:    o.ID,
			X:     toFloat(o.Props[xProp]),
			Y:     toFloat(o.Props[yProp]),
			Value: toFloat(o.Props[valueProp]),
		})
	}
	return diagnostics.ExportShapefile(path, points)
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}

// Close stops the garbage collector, drains the commit pipeline, stops any
// replication server, and closes the persistence journal.
func (e *Engine) Close() error {
	e.gc.Stop()
	e.Coord.Dispose()
	if e.replServer != nil {
		e.replServer.GracefulStop()
	}
	if e.persistence != nil {
		return e.persistence.Close()
	}
	return nil
}
