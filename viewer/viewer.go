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

// Package viewer implements the view projector: given a store snapshot, a
// viewport rectangle, and one connection's expand/collapse choices, it
// produces the set of visible span rectangles, pixel-coalesced and clipped
// to the viewport. See spec.md §4.4.
//
// Viewer holds only per-connection state (expand/collapse choices); it is
// not safe for concurrent use and is expected to be guarded by the same lock
// that guards the rest of a session's connection state (see package
// session).
package viewer

import (
	"sort"

	"github.com/ilhamster/spanview/store"
)

const (
	extraWidthPercentage = 20
	extraHeight          = 5
	minVisiblePixelSize  = 3
)

// Mode selects whether a node's children are drawn from its raw span
// children (RawSpans) or its aggregation graph (Aggregated), and whether
// those children are shown in insertion order or sorted by descending
// CorrectedTotalTime.
type Mode struct {
	Aggregated bool
	Sorted     bool
}

// ExpandedState is the set of explicit per-node view choices a client can
// make, per spec.md §3.4. Absence (no entry in the expand map) means
// "inherit from the nearest ancestor that set an AllExpanded/AllCollapsed
// mode, or the default RawSpans root mode otherwise".
type ExpandedState int

const (
	// Expanded shows this node's raw span children, without affecting its
	// descendants' modes.
	Expanded ExpandedState = iota
	// AllExpanded shows this node's raw span children and propagates
	// RawSpans mode to its descendants until overridden.
	AllExpanded
	// Collapsed shows this node's aggregation graph, without affecting its
	// descendants' modes.
	Collapsed
	// AllCollapsed shows this node's aggregation graph and propagates
	// Aggregated mode to its descendants until overridden. Not reachable
	// through the current wire protocol (spec.md §6.1 has no command that
	// selects it), but part of the formal per-connection state in spec.md
	// §3.4.
	AllCollapsed
)

// modeFor resolves an ExpandedState to the (Mode, inherit) tuple used by the
// projection algorithm, per SPEC_FULL.md §9's resolution of the source's
// set_view_mode mapping.
func modeFor(state ExpandedState) (Mode, bool) {
	switch state {
	case Expanded:
		return Mode{Aggregated: false, Sorted: false}, false
	case AllExpanded:
		return Mode{Aggregated: false, Sorted: false}, true
	case Collapsed:
		return Mode{Aggregated: true, Sorted: false}, false
	case AllCollapsed:
		return Mode{Aggregated: true, Sorted: false}, true
	default:
		return Mode{}, false
	}
}

// Rect is the client's current viewport: x/width in span-time units,
// y/height in line indices, horizontalPixels the target raster width.
type Rect struct {
	X, Y, Width, Height, HorizontalPixels uint64
}

// LineUpdate is one non-empty output line of a projection.
type LineUpdate struct {
	Y     uint64
	Spans []Span
}

// Span is one visible rectangle within a LineUpdate.
type Span struct {
	ID       store.Id
	Start    uint64
	Width    uint64
	Category string
	Text     string
	Count    uint64
}

// Viewer holds one connection's expand/collapse choices and projects store
// snapshots into LineUpdates against them.
type Viewer struct {
	options map[store.Id]nodeOptions
}

type nodeOptions struct {
	state ExpandedState
	set   bool
}

// New returns a Viewer with no expand/collapse choices set.
func New() *Viewer {
	return &Viewer{options: make(map[store.Id]nodeOptions)}
}

// SetExpandedState records the view choice for id. A nil state clears it
// (ResetExpand), reverting the node to inherited behavior.
func (v *Viewer) SetExpandedState(id store.Id, state *ExpandedState) {
	if state == nil {
		delete(v.options, id)
		return
	}
	v.options[id] = nodeOptions{state: *state, set: true}
}

// item is either a span or a span-graph node queued for projection.
type item struct {
	span  store.Ref
	graph store.GraphRef
	isGraph bool
}

func spanItem(r store.Ref) item   { return item{span: r} }
func graphItem(g store.GraphRef) item { return item{graph: g, isGraph: true} }

func (it item) correctedTotalTime() uint64 {
	if it.isGraph {
		return it.graph.CorrectedTotalTime()
	}
	return it.span.CorrectedTotalTime()
}

func (it item) maxDepth() uint32 {
	if it.isGraph {
		return it.graph.MaxDepth()
	}
	return it.span.MaxDepth()
}

func (it item) start() uint64 {
	if it.isGraph {
		return it.graph.FirstSpan().Start()
	}
	return it.span.Start()
}

func (it item) id() store.Id {
	if it.isGraph {
		return it.graph.ID()
	}
	return it.span.ID()
}

func (it item) niceName() (string, string) {
	if it.isGraph {
		return it.graph.NiceName()
	}
	return it.span.NiceName()
}

func (it item) count() uint64 {
	if it.isGraph {
		return uint64(it.graph.Count())
	}
	return 1
}

type queueEntry struct {
	it    item
	line  int
	start uint64
	// offset is the constant displacement applied to this item's (and every
	// descendant's) actual recorded start time to get its displayed start:
	// only root spans are shifted, to pack independent root timelines
	// end-to-end on line 0 without overlap; descendants inherit their
	// ancestor's offset unchanged, preserving their relative timing.
	offset      uint64
	placeholder bool
	mode        Mode
}

type lineEntryKind int

const (
	lineEntryPlaceholder lineEntryKind = iota
	lineEntrySpan
)

type lineEntry struct {
	start, width uint64
	kind         lineEntryKind
	it           item
}

// ComputeUpdate is a pure function of (store contents, rect, expand
// choices): given identical inputs it produces identical output. See
// spec.md §4.4 for the algorithm and §8 property 7.
func (v *Viewer) ComputeUpdate(st *store.Store, rect Rect) []LineUpdate {
	var queue []queueEntry

	type rootInfo struct {
		ref          store.Ref
		start, end   uint64
		width        uint64
	}
	roots := st.RootSpans()
	infos := make([]rootInfo, len(roots))
	for i, r := range roots {
		infos[i] = rootInfo{ref: r, start: r.Start(), end: r.End(), width: r.CorrectedTotalTime()}
	}
	sort.SliceStable(infos, func(i, j int) bool { return infos[i].end < infos[j].end })

	var current uint64
	for _, ri := range infos {
		if ri.start > current {
			current = ri.start
		}
		queue = append(queue, queueEntry{
			it:     spanItem(ri.ref),
			line:   0,
			start:  current,
			offset: current - ri.start,
			mode:   Mode{Aggregated: false, Sorted: false},
		})
		current += ri.width
	}
	reverse(queue)

	var lines [][]lineEntry

	for len(queue) > 0 {
		qe := queue[len(queue)-1]
		queue = queue[:len(queue)-1]

		if uint64(qe.line) > rect.Y+rect.Height+extraHeight {
			continue
		}

		width := qe.it.correctedTotalTime()

		if qe.line > 0 {
			if qe.start > rect.X+rect.Width*(100+extraWidthPercentage)/100 {
				continue
			}
			if qe.start+width < satSub(rect.X, rect.Width*extraWidthPercentage/100) {
				continue
			}
		}

		type childEntry struct {
			entry    queueEntry
			maxDepth uint32
			p1, p2   uint64
		}
		var children []childEntry
		handleChild := func(child item, mode Mode) {
			displayedStart := child.start() + qe.offset
			childWidth := child.correctedTotalTime()
			md := child.maxDepth()
			var p1, p2 uint64
			if rect.Width > 0 {
				p1 = displayedStart * rect.HorizontalPixels / rect.Width
				p2 = (displayedStart+childWidth)*rect.HorizontalPixels + rect.Width - 1
				p2 /= rect.Width
			}
			children = append(children, childEntry{
				entry: queueEntry{
					it:     child,
					line:   qe.line + 1,
					start:  displayedStart,
					offset: qe.offset,
					mode:   mode,
				},
				maxDepth: md,
				p1:       p1,
				p2:       p2,
			})
		}

		selectedMode, inherit := v.resolve(qe.it.id(), qe.mode)
		childMode := qe.mode
		if inherit {
			childMode = selectedMode
		}

		// A singleton graph node (one occurrence, no siblings) always drills
		// into its own nested aggregation, in both raw and aggregated mode:
		// childGraphsOf delegates to the aggregation graph's own events,
		// which for Count()<=1 is itself the root span's graph, so this
		// isn't a separate special case so much as the same call the
		// aggregated branch below makes.
		if !selectedMode.Aggregated && !(qe.it.isGraph && qe.it.graph.Count() <= 1) {
			childSpans := childSpansOf(qe.it)
			if selectedMode.Sorted {
				sortByWidthDesc(childSpans)
			}
			for _, c := range childSpans {
				handleChild(spanItem(c), childMode)
			}
		} else {
			childGraphs := childGraphsOf(qe.it)
			if selectedMode.Sorted {
				sortGraphsByWidthDesc(childGraphs)
			}
			for _, c := range childGraphs {
				handleChild(graphItem(c), childMode)
			}
		}

		line := getLine(&lines, qe.line)

		if qe.placeholder {
			if len(children) > 0 {
				best := 0
				for i := 1; i < len(children); i++ {
					if children[i].maxDepth > children[best].maxDepth {
						best = i
					}
				}
				ce := children[best].entry
				ce.placeholder = true
				queue = append(queue, ce)
			}
			*line = append(*line, lineEntry{start: qe.start, width: width, kind: lineEntryPlaceholder})
			continue
		}

		// Coalesce a child into the previous visible entry when the two
		// overlap on screen, or when the child's own pixel footprint is
		// narrower than minVisiblePixelSize and sits within that distance of
		// the previous entry — a lone wide bar that merely touches its
		// neighbor is left alone. The merged placeholder keeps whichever
		// child has the deepest subtree as its representative (it alone
		// continues to be drilled into, as a placeholder, later in this
		// same projection).
		var visible []childEntry
		for _, c := range children {
			if n := len(visible); n > 0 {
				last := &visible[n-1]
				overlaps := c.p1 < last.p2
				narrow := c.p2-c.p1 < minVisiblePixelSize
				gap := c.p1 - last.p2
				if overlaps || (narrow && gap < minVisiblePixelSize) {
					if c.maxDepth > last.maxDepth {
						last.entry, last.maxDepth = c.entry, c.maxDepth
					}
					if c.p2 > last.p2 {
						last.p2 = c.p2
					}
					last.entry.placeholder = true
					continue
				}
			}
			visible = append(visible, c)
		}
		for i := len(visible) - 1; i >= 0; i-- {
			queue = append(queue, visible[i].entry)
		}

		*line = append(*line, lineEntry{start: qe.start, width: width, kind: lineEntrySpan, it: qe.it})
	}

	out := make([]LineUpdate, 0, len(lines))
	for y, line := range lines {
		spans := make([]Span, 0, len(line))
		for _, e := range line {
			switch e.kind {
			case lineEntryPlaceholder:
				spans = append(spans, Span{Start: e.start, Width: e.width, Count: 1})
			case lineEntrySpan:
				cat, text := e.it.niceName()
				spans = append(spans, Span{
					ID:       e.it.id(),
					Start:    e.start,
					Width:    e.width,
					Category: cat,
					Text:     text,
					Count:    e.it.count(),
				})
			}
		}
		out = append(out, LineUpdate{Y: uint64(y), Spans: spans})
	}
	return out
}

// resolve returns the effective (Mode, inherit) for a node, preferring an
// explicit per-node choice over the inherited default.
func (v *Viewer) resolve(id store.Id, inherited Mode) (Mode, bool) {
	opts, ok := v.options[id]
	if !ok || !opts.set {
		return inherited, false
	}
	mode, inherit := modeFor(opts.state)
	return mode, inherit
}

// childSpansOf returns the raw child spans of it. For a graph item this is
// only its RootSpans when there's more than one occurrence to show
// separately; a Count()<=1 graph is never passed here (see the caller's
// guard above), since a singleton occurrence always drills into its nested
// aggregation instead.
func childSpansOf(it item) []store.Ref {
	if it.isGraph {
		if it.graph.Count() > 1 {
			return it.graph.RootSpans()
		}
		return nil
	}
	return it.span.Children()
}

func childGraphsOf(it item) []store.GraphRef {
	if it.isGraph {
		return it.graph.Children()
	}
	var out []store.GraphRef
	for _, ev := range it.span.Graph() {
		if ev.IsGraph() {
			out = append(out, ev.Graph())
		}
	}
	return out
}

// sortByWidthDesc reorders a Sorted-mode node's children by descending
// CorrectedTotalTime. Children still render at their real recorded start
// time; sorting only affects which child's placeholder wins a coalesced
// pixel range when iterating the pixel-merge pass below.
func sortByWidthDesc(refs []store.Ref) {
	sort.SliceStable(refs, func(i, j int) bool {
		return refs[i].CorrectedTotalTime() > refs[j].CorrectedTotalTime()
	})
}

func sortGraphsByWidthDesc(refs []store.GraphRef) {
	sort.SliceStable(refs, func(i, j int) bool {
		return refs[i].CorrectedTotalTime() > refs[j].CorrectedTotalTime()
	})
}

func getLine(lines *[][]lineEntry, i int) *[]lineEntry {
	for len(*lines) <= i {
		*lines = append(*lines, nil)
	}
	return &(*lines)[i]
}

func reverse[T any](s []T) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

// satSub returns a-b, or 0 if that would underflow (the Rust source's
// saturating_sub).
func satSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}
