package correlation

import (
	"context"
	"strings"
	"testing"
)

func TestBeginGeneratesCausalID(t *testing.T) {
	cc := Begin("")
	if cc.CausalID() == "" {
		t.Fatal("Begin(\"\") left causal id empty")
	}
	if !strings.HasPrefix(cc.CausalID(), "cal_") {
		t.Errorf("causal id = %q, want cal_ prefix", cc.CausalID())
	}
}

func TestBeginKeepsExplicitCausalID(t *testing.T) {
	cc := Begin("cal_fixed")
	if cc.CausalID() != "cal_fixed" {
		t.Errorf("causal id = %q, want cal_fixed", cc.CausalID())
	}
}

func TestEnsureIsIdempotent(t *testing.T) {
	ctx, first := Ensure(context.Background(), "")
	ctx2, second := Ensure(ctx, "cal_other")

	if first != second {
		t.Fatal("Ensure on an attached context created a new correlation context")
	}
	if ctx2 != ctx {
		t.Error("Ensure on an attached context replaced the context.Context")
	}
	if second.CausalID() != first.CausalID() {
		t.Errorf("existing causal id %q was overwritten with %q", first.CausalID(), second.CausalID())
	}
}

func TestPushPopCurrent(t *testing.T) {
	cc := Begin("cal_test")

	if _, ok := cc.Current(); ok {
		t.Fatal("fresh context reports a current entity")
	}

	cc.PushRef(EntityRef{Kind: "forecast", IdentityKey: "region=EU"})
	cc.PushRef(EntityRef{Kind: "component", IdentityKey: "part=a"})

	if got := cc.Depth(); got != 2 {
		t.Fatalf("Depth() = %d, want 2", got)
	}
	cur, ok := cc.Current()
	if !ok || cur.Kind != "component" {
		t.Errorf("Current() = %+v, want innermost component", cur)
	}

	cc.PopEntity()
	cur, ok = cc.Current()
	if !ok || cur.Kind != "forecast" {
		t.Errorf("Current() after pop = %+v, want forecast", cur)
	}

	cc.PopEntity()
	cc.PopEntity() // popping an empty stack is a no-op
	if got := cc.Depth(); got != 0 {
		t.Errorf("Depth() after draining = %d, want 0", got)
	}
}

func TestSnapshotRestoreReplaysStack(t *testing.T) {
	cc := Begin("cal_origin")
	cc.PushRef(EntityRef{Kind: "forecast", IdentityKey: "region=EU"})
	cc.PushRef(EntityRef{Kind: "component", IdentityKey: "part=a"})

	snap := cc.Snapshot()

	// Mutating the origin after the snapshot must not affect the copy.
	cc.PopEntity()

	restored := Restore(snap)
	if restored.CausalID() != "cal_origin" {
		t.Errorf("restored causal id = %q, want cal_origin", restored.CausalID())
	}
	stack := restored.Stack()
	if len(stack) != 2 {
		t.Fatalf("restored stack depth = %d, want 2", len(stack))
	}
	if stack[0].Kind != "forecast" || stack[1].Kind != "component" {
		t.Errorf("restored stack order = %+v", stack)
	}
}

func TestClearEmptiesContext(t *testing.T) {
	cc := Begin("cal_done")
	cc.PushRef(EntityRef{Kind: "forecast", IdentityKey: "region=EU"})

	cc.Clear()

	if cc.CausalID() != "" {
		t.Errorf("causal id after Clear = %q, want empty", cc.CausalID())
	}
	if cc.Depth() != 0 {
		t.Errorf("Depth() after Clear = %d, want 0", cc.Depth())
	}
}

func TestFromContextMissing(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Error("FromContext reported a correlation context on a bare context")
	}
}
