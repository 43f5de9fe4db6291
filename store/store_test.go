/*
	Copyright 2023 Google Inc.
	Licensed under the Apache License, Version 2.0 (the "License");
	you may not use this file except in compliance with the License.
	You may obtain a copy of the License at
		https://www.apache.org/licenses/LICENSE-2.0
	Unless required by applicable law or agreed to in writing, software
	distributed under the License is distributed on an "AS IS" BASIS,
	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
	See the License for the specific language governing permissions and
	limitations under the License.
*/

package store

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/ilhamster/spanview/span"
)

func mustAddSpan(t *testing.T, st *Store, parent *span.Index, start uint64, category, name string, outdated OutdatedSet) span.Index {
	t.Helper()
	idx, err := st.AddSpan(parent, start, category, name, nil, outdated)
	if err != nil {
		t.Fatalf("AddSpan(%s) failed: %v", name, err)
	}
	return idx
}

// S1: single root, single child.
func TestSingleRootSingleChild(t *testing.T) {
	st := New()
	outdated := NewOutdatedSet()
	a := mustAddSpan(t, st, nil, 0, "cat", "A", outdated)
	st.AddSelfTime(a, 0, 100, outdated)
	b := mustAddSpan(t, st, &a, 20, "cat", "B", outdated)
	st.AddSelfTime(b, 20, 70, outdated)
	st.InvalidateOutdated(outdated)

	refA := Ref{store: st, s: st.spans[a]}
	// A's own 100 plus B's 50.
	if got := refA.TotalTime(); got != 150 {
		t.Errorf("A.TotalTime() = %d, want 150", got)
	}
	if got := refA.SelfTime(); got != 100 {
		t.Errorf("A.SelfTime() = %d, want 100", got)
	}
	if got := refA.End(); got != 100 {
		t.Errorf("A.End() = %d, want 100", got)
	}
	if got := refA.MaxDepth(); got != 1 {
		t.Errorf("A.MaxDepth() = %d, want 1", got)
	}
	// The root sentinel's SelfEnd is MaxUint64, so its End is too.
	root := Ref{store: st, s: st.spans[0]}
	if got := root.End(); got != math.MaxUint64 {
		t.Errorf("root.End() = %d, want %d", got, uint64(math.MaxUint64))
	}

	ref, isGraph, ok := st.Span(refA.ID())
	if !ok || isGraph || ref.s != st.spans[a] {
		t.Errorf("Span(A.ID()) = (%v, %v, %v), want (A, false, true)", ref, isGraph, ok)
	}
}

// S2: thread suppression.
func TestThreadSuppression(t *testing.T) {
	st := New()
	outdated := NewOutdatedSet()
	tIdx := mustAddSpan(t, st, nil, 0, "cat", "thread", outdated)
	st.AddSelfTime(tIdx, 0, 1_000_000, outdated)
	st.InvalidateOutdated(outdated)

	s := st.spans[tIdx]
	if s.SelfTime != 0 {
		t.Errorf("thread span SelfTime = %d, want 0", s.SelfTime)
	}
	if len(s.Events) != 0 {
		t.Errorf("thread span Events = %v, want empty", s.Events)
	}
}

// S3: aggregation grouping.
func TestAggregationGrouping(t *testing.T) {
	st := New()
	outdated := NewOutdatedSet()
	a := mustAddSpan(t, st, nil, 0, "cat", "x", outdated)
	b1 := mustAddSpan(t, st, &a, 1, "cat", "y", outdated)
	_ = mustAddSpan(t, st, &b1, 2, "cat", "y", outdated) // c1
	_ = mustAddSpan(t, st, &a, 3, "cat", "y", outdated)  // b2
	_ = mustAddSpan(t, st, &a, 4, "cat", "z", outdated)  // d
	st.InvalidateOutdated(outdated)

	refA := Ref{store: st, s: st.spans[a]}
	events := refA.Graph()
	if len(events) != 2 {
		t.Fatalf("len(A.Graph()) = %d, want 2", len(events))
	}
	if !events[0].IsGraph() || !events[1].IsGraph() {
		t.Fatalf("expected both graph events to carry nested graphs")
	}
	g0 := events[0].Graph()
	if got := g0.Count(); got != 3 {
		t.Errorf("events[0].Count() = %d, want 3 (2 roots + 1 recursive)", got)
	}
	if got := len(g0.g.RootSpans); got != 2 {
		t.Errorf("events[0] root count = %d, want 2", got)
	}
	g1 := events[1].Graph()
	if got := g1.Count(); got != 1 {
		t.Errorf("events[1].Count() = %d, want 1", got)
	}
}

// S4: query path via ancestor chain.
func TestQueryPath(t *testing.T) {
	st := New()
	outdated := NewOutdatedSet()
	p := mustAddSpan(t, st, nil, 0, "cat", "p", outdated)
	q := mustAddSpan(t, st, &p, 1, "cat", "q", outdated)
	r := mustAddSpan(t, st, &q, 2, "cat", "r", outdated)
	st.InvalidateOutdated(outdated)

	var path []string
	cur := Ref{store: st, s: st.spans[r]}
	for {
		parent, ok := cur.Parent()
		if !ok {
			break
		}
		_, title := parent.NiceName()
		path = append(path, title)
		cur = parent
	}
	// Reverse to root-to-parent order.
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	want := []string{"p", "q"}
	if diff := cmp.Diff(want, path); diff != "" {
		t.Errorf("query path mismatch (-want +got):\n%s", diff)
	}
}

// Invariant: monotone generation.
func TestContainerGenerationMonotone(t *testing.T) {
	c := NewContainer()
	var last uint64
	for i := 0; i < 5; i++ {
		c.Write(func(st *Store, outdated OutdatedSet) {
			mustAddSpan(t, st, nil, uint64(i), "cat", "x", outdated)
		})
		gen := c.Generation()
		if gen <= last {
			t.Fatalf("generation did not increase: got %d after %d", gen, last)
		}
		last = gen
	}
}

// Invariant: invalidation completeness — ancestors are invalidated and
// subsequent reads reflect new state.
func TestInvalidationCompleteness(t *testing.T) {
	st := New()
	outdated := NewOutdatedSet()
	a := mustAddSpan(t, st, nil, 0, "cat", "A", outdated)
	b := mustAddSpan(t, st, &a, 0, "cat", "B", outdated)
	st.InvalidateOutdated(outdated)

	refA := Ref{store: st, s: st.spans[a]}
	if got := refA.TotalTime(); got != 0 {
		t.Fatalf("A.TotalTime() = %d, want 0", got)
	}

	outdated2 := NewOutdatedSet()
	st.AddSelfTime(b, 0, 50, outdated2)
	st.InvalidateOutdated(outdated2)

	if got := refA.TotalTime(); got != 50 {
		t.Errorf("A.TotalTime() after mutation = %d, want 50 (cell not invalidated)", got)
	}
}

func TestAddSpanOrderingWithinParent(t *testing.T) {
	st := New()
	outdated := NewOutdatedSet()
	a := mustAddSpan(t, st, nil, 0, "cat", "A", outdated)
	b1 := mustAddSpan(t, st, &a, 1, "cat", "b1", outdated)
	b2 := mustAddSpan(t, st, &a, 2, "cat", "b2", outdated)
	st.InvalidateOutdated(outdated)

	refA := Ref{store: st, s: st.spans[a]}
	children := refA.Children()
	if len(children) != 2 || children[0].s.Index != b1 || children[1].s.Index != b2 {
		t.Errorf("Children() order = %v, want [b1, b2] (FIFO)", children)
	}
}
