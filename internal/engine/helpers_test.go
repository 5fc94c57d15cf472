package engine

import (
	"context"
	"sync"

	"github.com/reckoner/reckoner/pkg/correlation"
	"github.com/reckoner/reckoner/pkg/logger"
	"github.com/reckoner/reckoner/pkg/types"
)

// testEntity is a configurable calculated entity for engine tests
type testEntity struct {
	types.BaseEntity
	kind       string
	identity   []string
	parallel   []string
	candidates map[string][]any
	compute    func(ctx context.Context, e *testEntity) error
}

func (e *testEntity) Kind() string                    { return e.kind }
func (e *testEntity) IdentityFields() []string        { return e.identity }
func (e *testEntity) ParallelizationFields() []string { return e.parallel }

func (e *testEntity) CandidateValues(field string) ([]any, error) {
	return e.candidates[field], nil
}

func (e *testEntity) Clone() types.Entity {
	return &testEntity{
		BaseEntity: e.CloneBase(),
		kind:       e.kind,
		identity:   e.identity,
		parallel:   e.parallel,
		candidates: e.candidates,
		compute:    e.compute,
	}
}

func (e *testEntity) Compute(ctx context.Context) error {
	if e.compute != nil {
		return e.compute(ctx, e)
	}
	e.SetField("result", "computed")
	return nil
}

// forecastProto builds the standard test prototype: two regions, two
// years, one model, grouped by region and year.
func forecastProto() *testEntity {
	return &testEntity{
		BaseEntity: types.NewBaseEntity(),
		kind:       "forecast",
		identity:   []string{"region", "year", "model"},
		parallel:   []string{"region", "year"},
		candidates: map[string][]any{
			"region": {"EU", "US"},
			"year":   {2024, 2025},
			"model":  {"baseline"},
		},
	}
}

// correlationFrom reads the active causal id, if any
func correlationFrom(ctx context.Context) (string, bool) {
	if cc, ok := correlation.FromContext(ctx); ok {
		return cc.CausalID(), true
	}
	return "", false
}

func testLogger() logger.Logger {
	return logger.CreateLoggerWithOutput("", "debug", nil)
}

// recordingNotifier captures observer callbacks for assertions
type recordingNotifier struct {
	mu         sync.Mutex
	statuses   []types.CalcStatus
	dispatches []string
	panicOn    types.CalcStatus
}

func (n *recordingNotifier) NotifyStatusChanged(e types.Entity, status types.CalcStatus) {
	n.mu.Lock()
	n.statuses = append(n.statuses, status)
	panicOn := n.panicOn
	n.mu.Unlock()
	if panicOn != "" && status == panicOn {
		panic("observer failed")
	}
}

func (n *recordingNotifier) NotifyDispatch(groupKey string, entityCount int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dispatches = append(n.dispatches, groupKey)
}

func (n *recordingNotifier) NotifyQueueStatus(active, queued int) {}

func (n *recordingNotifier) statusChanges() []types.CalcStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]types.CalcStatus(nil), n.statuses...)
}
