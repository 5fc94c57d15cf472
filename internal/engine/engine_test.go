package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/reckoner/reckoner/pkg/config"
	"github.com/reckoner/reckoner/pkg/storage"
	"github.com/reckoner/reckoner/pkg/types"
)

func newTestEngine(cfg *config.Config, store storage.Store) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return New(cfg, testLogger(), Dependencies{Store: store})
}

func TestNewRequiresStore(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("New() without a store did not panic")
		}
	}()
	New(config.Default(), testLogger(), Dependencies{})
}

func TestRegisterValidatesSchema(t *testing.T) {
	eng := newTestEngine(nil, storage.NewMemoryStore())

	proto := forecastProto()
	proto.identity = []string{"region", "region"}

	err := eng.Register(proto)
	var verr *types.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Register() error = %v, want ValidationError", err)
	}
}

func TestRegisterRejectsDuplicateKind(t *testing.T) {
	eng := newTestEngine(nil, storage.NewMemoryStore())

	if err := eng.Register(forecastProto()); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	err := eng.Register(forecastProto())
	var verr *types.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("second Register() error = %v, want ValidationError", err)
	}
}

func TestPrototypeReturnsIndependentClone(t *testing.T) {
	eng := newTestEngine(nil, storage.NewMemoryStore())
	if err := eng.Register(forecastProto()); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	a, ok := eng.Prototype("forecast")
	if !ok {
		t.Fatal("Prototype() did not find the registered kind")
	}
	a.SetField("region", "MOON")

	b, _ := eng.Prototype("forecast")
	if b.Field("region") == "MOON" {
		t.Error("prototype mutation leaked into the registry")
	}
}

func TestExpandAndDispatchUnknownKind(t *testing.T) {
	eng := newTestEngine(nil, storage.NewMemoryStore())

	_, err := eng.ExpandAndDispatch(context.Background(), "ghost", nil)
	var verr *types.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("ExpandAndDispatch() error = %v, want ValidationError", err)
	}
}

func TestExpandAndDispatchLocal(t *testing.T) {
	store := storage.NewMemoryStore()
	eng := newTestEngine(nil, store)
	if err := eng.Register(forecastProto()); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	entities, err := eng.ExpandAndDispatch(context.Background(), "forecast", nil)
	if err != nil {
		t.Fatalf("ExpandAndDispatch() error = %v", err)
	}
	if len(entities) != 4 {
		t.Fatalf("dispatched %d entities, want 4", len(entities))
	}
	for _, e := range entities {
		if e.Status() != types.StatusSuccess {
			t.Errorf("%s status = %v, want SUCCESS", types.Describe(e), e.Status())
		}
	}
}

func TestEngineDistributedEndToEnd(t *testing.T) {
	cfg := config.Default()
	cfg.Dispatch.Distributed = true
	cfg.Dispatch.Parallelization = 2

	store := storage.NewMemoryStore()
	eng := newTestEngine(cfg, store)
	if err := eng.Register(forecastProto()); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	ctx := context.Background()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer eng.Stop()

	entities, err := eng.ExpandAndDispatch(ctx, "forecast", types.PartialSpec{"region": {"EU"}})
	if err != nil {
		t.Fatalf("ExpandAndDispatch() error = %v", err)
	}
	if len(entities) != 2 {
		t.Fatalf("dispatched %d entities, want 2", len(entities))
	}
	for _, e := range entities {
		if e.Status() != types.StatusSuccess {
			t.Errorf("%s status = %v, want SUCCESS via workers", types.Describe(e), e.Status())
		}
	}
	if got := store.Count("forecast"); got != 2 {
		t.Errorf("persisted rows = %d, want 2", got)
	}
}

func TestStartResetsStaleCalculations(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	// A crash left one row stuck IN_PROGRESS.
	stale := materialized(forecastProto(), "EU", 2024)
	stale.SetStatus(types.StatusInProgress)
	if err := store.Save(ctx, stale); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	settled := materialized(forecastProto(), "US", 2024)
	settled.SetStatus(types.StatusSuccess)
	if err := store.Save(ctx, settled); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	eng := newTestEngine(nil, store)
	if err := eng.Register(forecastProto()); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer eng.Stop()

	matches, err := store.StatusesByKind(ctx, "forecast")
	if err != nil {
		t.Fatalf("StatusesByKind() error = %v", err)
	}
	byID := make(map[int64]types.CalcStatus)
	for _, m := range matches {
		byID[m.ID] = m.Status
	}
	if byID[stale.StorageID()] != types.StatusAborted {
		t.Errorf("stale row status = %v, want ABORTED", byID[stale.StorageID()])
	}
	if byID[settled.StorageID()] != types.StatusSuccess {
		t.Errorf("settled row status = %v, want SUCCESS untouched", byID[settled.StorageID()])
	}
}

func TestWorkerRestoresCorrelationState(t *testing.T) {
	cfg := config.Default()
	cfg.Dispatch.Distributed = true

	var seenCausal string
	proto := forecastProto()
	proto.compute = func(ctx context.Context, e *testEntity) error {
		if cc, ok := correlationFrom(ctx); ok {
			seenCausal = cc
		}
		e.SetField("result", "computed")
		return nil
	}

	store := storage.NewMemoryStore()
	eng := newTestEngine(cfg, store)
	if err := eng.Register(proto); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	ctx := context.Background()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer eng.Stop()

	_, err := eng.ExpandAndDispatch(ctx, "forecast", types.PartialSpec{
		"region": {"EU"}, "year": {2024},
	})
	if err != nil {
		t.Fatalf("ExpandAndDispatch() error = %v", err)
	}
	if seenCausal == "" {
		t.Error("worker-side computation saw no causal id")
	}
}
