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

// Package store implements the span store: an append-only arena of spans
// indexed by a dense integer, with write-once memoized derived metrics and
// span-graph aggregation. See SPEC_FULL.md §3 and §4.1-§4.3.
//
// Store itself is not safe for concurrent use; Container (in
// container.go) adds the reader/writer discipline and generation counter
// that make concurrent access safe.
package store

import (
	"fmt"
	"math"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"github.com/ilhamster/spanview/span"
)

// maxIndex bounds the arena so that Index<<1 never overflows uint64 and the
// low bit remains free for the span-graph flag.
const maxIndex = math.MaxUint64 >> 1

// Id is an external span/graph identifier: bit 0 selects a span (0) or the
// span-graph rooted at that span (1); the remaining bits are the span's
// Index shifted left by one. The value 0 is reserved and never emitted.
type Id uint64

func spanId(idx span.Index) Id  { return Id(idx) << 1 }
func graphId(idx span.Index) Id { return Id(idx)<<1 | 1 }

// decode splits an Id into its span index and graph flag.
func (id Id) decode() (span.Index, bool) {
	return span.Index(id >> 1), id&1 == 1
}

// OutdatedSet accumulates the spans touched by one mutation batch, for a
// single call to InvalidateOutdated. It is discarded after the batch.
type OutdatedSet map[span.Index]struct{}

// NewOutdatedSet returns an empty OutdatedSet.
func NewOutdatedSet() OutdatedSet { return make(OutdatedSet) }

// Store is the append-only span arena. The element at index 0 is the root
// sentinel, the virtual parent of all top-level spans.
type Store struct {
	spans []*span.Span
}

// New returns a Store containing only the root sentinel.
func New() *Store {
	return &Store{
		spans: []*span.Span{rootSentinel()},
	}
}

func rootSentinel() *span.Span {
	return &span.Span{
		Index:    0,
		SelfEnd:  math.MaxUint64,
		Name:     "(root)",
		Category: "",
	}
}

// Reset truncates the store back to just the root sentinel.
func (st *Store) Reset() {
	st.spans = st.spans[:1]
	root := st.spans[0]
	root.Events = nil
	*root = *rootSentinel()
}

// AddSpan allocates a new span as a child of parent (or of the root sentinel
// if parent is nil), recording it into the parent's event log and marking
// the parent outdated. It returns the new span's Index, or an error if the
// arena has reached its capacity.
func (st *Store) AddSpan(parent *span.Index, start uint64, category, name string, args []span.Arg, outdated OutdatedSet) (span.Index, error) {
	idx := span.Index(len(st.spans))
	if uint64(idx) > maxIndex {
		return 0, fmt.Errorf("store: span index space exhausted")
	}
	s := &span.Span{
		Index:          idx,
		Start:          start,
		Category:       category,
		Name:           name,
		Args:           args,
		IgnoreSelfTime: name == "thread",
		SelfEnd:        start,
	}
	if parent != nil {
		s.Parent = *parent
		s.HasParent = true
	}
	st.spans = append(st.spans, s)

	parentIdx := span.Index(0)
	if parent != nil {
		parentIdx = *parent
	}
	outdated[parentIdx] = struct{}{}
	st.spans[parentIdx].Events = append(st.spans[parentIdx].Events, span.Event{
		Kind:  span.EventChild,
		Child: idx,
	})
	return idx, nil
}

// AddSelfTime appends a self-time interval to the span at idx, unless that
// span ignores self time (name == "thread"), in which case it is a no-op.
// The caller guarantees end >= start.
func (st *Store) AddSelfTime(idx span.Index, start, end uint64, outdated OutdatedSet) {
	s := st.spans[idx]
	if s.IgnoreSelfTime {
		return
	}
	outdated[idx] = struct{}{}
	s.SelfTime += end - start
	s.Events = append(s.Events, span.Event{
		Kind:      span.EventSelfTime,
		SelfStart: start,
		SelfEnd:   end,
	})
	if end > s.SelfEnd {
		s.SelfEnd = end
	}
}

// InvalidateOutdated clears the memoized cells of every span in outdated and
// each of its ancestors, stopping early at any ancestor already present in
// outdated (that ancestor will perform its own walk).
func (st *Store) InvalidateOutdated(outdated OutdatedSet) {
	for idx := range outdated {
		cur := st.spans[idx]
		for {
			cur.InvalidateCells()
			if !cur.HasParent {
				break
			}
			if _, ok := outdated[cur.Parent]; ok {
				break
			}
			cur = st.spans[cur.Parent]
		}
	}
}

// RootSpans returns the direct children of the root sentinel, in insertion
// order.
func (st *Store) RootSpans() []Ref {
	root := st.spans[0]
	var out []Ref
	for _, ev := range root.Events {
		if ev.Kind == span.EventChild {
			out = append(out, Ref{store: st, s: st.spans[ev.Child]})
		}
	}
	return out
}

// Span resolves an Id to its Ref and whether that Id addresses the span's
// aggregation graph (rather than the span itself). ok is false if idx is out
// of range.
func (st *Store) Span(id Id) (ref Ref, isGraph bool, ok bool) {
	idx, isGraph := id.decode()
	if int(idx) >= len(st.spans) {
		return Ref{}, false, false
	}
	return Ref{store: st, s: st.spans[idx]}, isGraph, true
}

// Ref is a read-only handle onto a single span within a Store.
type Ref struct {
	store *Store
	s     *span.Span
}

// Valid reports whether the Ref refers to an actual span (the zero Ref does
// not).
func (r Ref) Valid() bool { return r.s != nil }

// ID returns the span's external identifier (graph bit unset).
func (r Ref) ID() Id { return spanId(r.s.Index) }

// Parent returns the span's parent, or false if this is a root span (its
// parent is the unaddressable root sentinel).
func (r Ref) Parent() (Ref, bool) {
	if !r.s.HasParent {
		return Ref{}, false
	}
	return Ref{store: r.store, s: r.store.spans[r.s.Parent]}, true
}

// Start returns the span's start timestamp.
func (r Ref) Start() uint64 { return r.s.Start }

// Category returns the span's raw (non-derived) category.
func (r Ref) Category() string { return r.s.Category }

// Name returns the span's raw name.
func (r Ref) Name() string { return r.s.Name }

// Args returns the span's ordered metadata.
func (r Ref) Args() []span.Arg { return r.s.Args }

// SelfTime returns the sum of the span's self-time event durations.
func (r Ref) SelfTime() uint64 { return r.s.SelfTime }

// Children returns the span's direct child spans, in insertion order.
func (r Ref) Children() []Ref {
	var out []Ref
	for _, ev := range r.s.Events {
		if ev.Kind == span.EventChild {
			out = append(out, Ref{store: r.store, s: r.store.spans[ev.Child]})
		}
	}
	return out
}

// End returns max(self_end, max over children.End), memoized.
func (r Ref) End() uint64 {
	return r.s.End.GetOrInit(func() uint64 {
		end := r.s.SelfEnd
		for _, c := range r.Children() {
			if ce := c.End(); ce > end {
				end = ce
			}
		}
		return end
	})
}

// TotalTime returns self_time plus the sum of children's total times,
// memoized.
func (r Ref) TotalTime() uint64 {
	return r.s.TotalTime.GetOrInit(func() uint64 {
		total := r.s.SelfTime
		for _, c := range r.Children() {
			total += c.TotalTime()
		}
		return total
	})
}

// CorrectedSelfTime is a hook for a future correction pass; currently the
// identity of SelfTime.
func (r Ref) CorrectedSelfTime() uint64 {
	return r.s.CorrectedSelfTime.GetOrInit(r.SelfTime)
}

// CorrectedTotalTime is a hook for a future correction pass; currently the
// identity of TotalTime.
func (r Ref) CorrectedTotalTime() uint64 {
	return r.s.CorrectedTotalTime.GetOrInit(r.TotalTime)
}

// MaxDepth returns 1 + max over children's MaxDepth, or 0 for a leaf,
// memoized.
func (r Ref) MaxDepth() uint32 {
	return r.s.MaxDepth.GetOrInit(func() uint32 {
		var max uint32
		for _, c := range r.Children() {
			if d := c.MaxDepth() + 1; d > max {
				max = d
			}
		}
		return max
	})
}

// NiceName returns the (category, title) pair chosen for display. See
// SPEC_FULL.md §4.2 / spec.md §4.2 for the derivation rules.
func (r Ref) NiceName() (string, string) {
	n := r.s.Nice.GetOrInit(func() span.NiceName {
		argName, hasArg := findArg(r.s.Args, "name")
		switch {
		case !hasArg:
			return span.NiceName{Category: r.s.Category, Title: r.s.Name}
		case r.s.Name == "turbo_tasks::resolve_call" || r.s.Name == "turbo_tasks::resolve_trait_call":
			return span.NiceName{
				Category: r.s.Name + " " + r.s.Category,
				Title:    "*" + argName,
			}
		default:
			return span.NiceName{
				Category: r.s.Name + " " + r.s.Category,
				Title:    argName,
			}
		}
	})
	return n.Category, n.Title
}

// GroupName returns the name used to merge sibling subtrees into an
// aggregation node. See SPEC_FULL.md §4.2 / spec.md §4.2.
func (r Ref) GroupName() string {
	return r.s.GroupName.GetOrInit(func() string {
		switch r.s.Name {
		case "turbo_tasks::function":
			if v, ok := findArg(r.s.Args, "name"); ok {
				return v
			}
			return r.s.Name
		case "turbo_tasks::resolve_call", "turbo_tasks::resolve_trait_call":
			if v, ok := findArg(r.s.Args, "name"); ok {
				return "*" + v
			}
			return r.s.Name
		default:
			return r.s.Name
		}
	})
}

func findArg(args []span.Arg, key string) (string, bool) {
	for _, a := range args {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}

// groupBucket accumulates the root and recursive spans sharing a group name
// while building an aggregation graph (SPEC_FULL.md §4.3 step 1-2).
type groupBucket struct {
	roots      []span.Index
	recursives []span.Index
}

// Graph returns the span's aggregation graph events, computing and memoizing
// them on first access. See spec.md §4.3 step 1-2.
func (r Ref) Graph() []GraphEventRef {
	return wrapGraphEvents(r.store, r.rawGraph())
}

// rawGraph returns (and memoizes) the span's aggregation graph as raw
// span.GraphEvent values, for use by GraphRef.Events when delegating a
// single-occurrence Graph to its root span's own graph.
func (r Ref) rawGraph() []span.GraphEvent {
	return r.s.Graph.GetOrInit(func() []span.GraphEvent {
		return r.store.buildGraph(r.Children())
	})
}

// buildGraph implements spec.md §4.3 steps 1-2: group the given children by
// group name, following contiguous group-name chains via BFS to collect
// recursive descendants, and emit one GraphEventChild per distinct group
// name in first-encountered order.
func (st *Store) buildGraph(children []Ref) []span.GraphEvent {
	m := orderedmap.New[string, *groupBucket]()
	var queue []Ref
	for _, c := range children {
		name := c.GroupName()
		bucket, ok := m.Get(name)
		if !ok {
			bucket = &groupBucket{}
			m.Set(name, bucket)
		}
		bucket.roots = append(bucket.roots, c.s.Index)
		queue = append(queue, c)
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for _, nested := range cur.Children() {
				if nested.GroupName() == name {
					bucket.recursives = append(bucket.recursives, nested.s.Index)
					queue = append(queue, nested)
				}
			}
		}
	}
	var out []span.GraphEvent
	for pair := m.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, span.GraphEvent{
			Kind: span.GraphEventChild,
			Child: &span.Graph{
				RootSpans:      pair.Value.roots,
				RecursiveSpans: pair.Value.recursives,
			},
		})
	}
	return out
}

func wrapGraphEvents(st *Store, events []span.GraphEvent) []GraphEventRef {
	out := make([]GraphEventRef, len(events))
	for i, ev := range events {
		out[i] = GraphEventRef{store: st, ev: ev}
	}
	return out
}

// GraphEventRef is one entry of a Graph's (or host Span's) aggregation event
// log.
type GraphEventRef struct {
	store *Store
	ev    span.GraphEvent
}

// CorrectedTotalTime returns the corrected total time represented by this
// event: a self-time duration, or the nested graph's corrected total time.
func (ge GraphEventRef) CorrectedTotalTime() uint64 {
	if ge.ev.Kind == span.GraphEventSelfTime {
		return ge.ev.Duration
	}
	return GraphRef{store: ge.store, g: ge.ev.Child}.CorrectedTotalTime()
}

// IsGraph reports whether this event carries a nested Graph (as opposed to
// folded self-time).
func (ge GraphEventRef) IsGraph() bool { return ge.ev.Kind == span.GraphEventChild }

// Graph returns the nested GraphRef carried by this event. Only valid when
// IsGraph is true.
func (ge GraphEventRef) Graph() GraphRef {
	return GraphRef{store: ge.store, g: ge.ev.Child}
}

// GraphRef is a read-only handle onto a single aggregation node within a
// Store.
type GraphRef struct {
	store *Store
	g     *span.Graph
}

// FirstSpan returns the Ref of the first root span, used to derive the
// Graph's id and fallback name.
func (gr GraphRef) FirstSpan() Ref {
	return Ref{store: gr.store, s: gr.store.spans[gr.g.RootSpans[0]]}
}

// ID returns the Graph's external identifier: the first root span's index
// with the graph bit set.
func (gr GraphRef) ID() Id { return graphId(gr.g.RootSpans[0]) }

// Name returns the first root span's raw name.
func (gr GraphRef) Name() string { return gr.FirstSpan().Name() }

// NiceName returns the display (category, title) for this Graph: the first
// root's NiceName when the graph represents a single span, or ("",
// group_name) when it aggregates multiple.
func (gr GraphRef) NiceName() (string, string) {
	if gr.Count() == 1 {
		return gr.FirstSpan().NiceName()
	}
	return "", gr.FirstSpan().GroupName()
}

// Count is the number of spans (roots plus recursives) this Graph
// represents.
func (gr GraphRef) Count() int { return gr.g.Count() }

// RootSpans returns the direct occurrences of this Graph's shared name.
func (gr GraphRef) RootSpans() []Ref {
	out := make([]Ref, len(gr.g.RootSpans))
	for i, idx := range gr.g.RootSpans {
		out[i] = Ref{store: gr.store, s: gr.store.spans[idx]}
	}
	return out
}

// recursiveSpans returns every span this Graph represents: roots followed by
// recursives.
func (gr GraphRef) recursiveSpans() []Ref {
	out := make([]Ref, 0, gr.g.Count())
	for _, idx := range gr.g.RootSpans {
		out = append(out, Ref{store: gr.store, s: gr.store.spans[idx]})
	}
	for _, idx := range gr.g.RecursiveSpans {
		out = append(out, Ref{store: gr.store, s: gr.store.spans[idx]})
	}
	return out
}

// Events returns this Graph's aggregation events, computing and memoizing
// them on first access. See spec.md §4.3.
func (gr GraphRef) Events() []GraphEventRef {
	events := gr.g.Events.GetOrInit(func() []span.GraphEvent {
		if gr.Count() == 1 {
			// Delegate to the single root's own graph; the event slice is
			// shared with that span's Graph cell, not copied.
			return gr.FirstSpan().rawGraph()
		}
		selfGroup := gr.FirstSpan().GroupName()
		var toVisit []Ref
		for _, sp := range gr.recursiveSpans() {
			toVisit = append(toVisit, sp.Children()...)
		}
		var filtered []Ref
		for _, child := range toVisit {
			if child.GroupName() != selfGroup {
				filtered = append(filtered, child)
			}
		}
		return gr.store.buildGraph(filtered)
	})
	return wrapGraphEvents(gr.store, events)
}

// Children returns the nested Graphs reachable directly from this Graph's
// events (self-time events are skipped).
func (gr GraphRef) Children() []GraphRef {
	var out []GraphRef
	for _, ev := range gr.Events() {
		if ev.IsGraph() {
			out = append(out, ev.Graph())
		}
	}
	return out
}

// MaxDepth returns 1 + max over children's MaxDepth, or 0 with no children,
// memoized.
func (gr GraphRef) MaxDepth() uint32 {
	return gr.g.MaxDepth.GetOrInit(func() uint32 {
		var max uint32
		for _, c := range gr.Children() {
			if d := c.MaxDepth() + 1; d > max {
				max = d
			}
		}
		return max
	})
}

// SelfTime is the sum of self-time over every span this Graph represents,
// memoized.
func (gr GraphRef) SelfTime() uint64 {
	return gr.g.SelfTime.GetOrInit(func() uint64 {
		var sum uint64
		for _, sp := range gr.recursiveSpans() {
			sum += sp.SelfTime()
		}
		return sum
	})
}

// TotalTime is SelfTime plus the sum of children's total times, memoized.
func (gr GraphRef) TotalTime() uint64 {
	return gr.g.TotalTime.GetOrInit(func() uint64 {
		total := gr.SelfTime()
		for _, c := range gr.Children() {
			total += c.TotalTime()
		}
		return total
	})
}

// CorrectedSelfTime mirrors SelfTime via the correction hook. It reuses
// SelfTime's cache cell (SPEC_FULL.md §9: the source fuses these cells, and
// this port preserves that since the correction hook is currently the
// identity function).
func (gr GraphRef) CorrectedSelfTime() uint64 {
	return gr.g.SelfTime.GetOrInit(func() uint64 {
		var sum uint64
		for _, sp := range gr.recursiveSpans() {
			sum += sp.CorrectedSelfTime()
		}
		return sum
	})
}

// CorrectedTotalTime mirrors TotalTime via the correction hook, reusing
// TotalTime's cache cell (see CorrectedSelfTime).
func (gr GraphRef) CorrectedTotalTime() uint64 {
	return gr.g.TotalTime.GetOrInit(func() uint64 {
		total := gr.CorrectedSelfTime()
		for _, c := range gr.Children() {
			total += c.CorrectedTotalTime()
		}
		return total
	})
}
