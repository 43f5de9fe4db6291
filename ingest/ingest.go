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

// Package ingest is a minimal producer for the span store: it decodes
// newline-delimited JSON event streams into AddSpan/AddSelfTime calls. It is
// not a parser for any particular tracing framework's native format — see
// SPEC_FULL.md §2 item 5.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/ilhamster/spanview/span"
	"github.com/ilhamster/spanview/store"
)

// event is one line of an ingestion file: `{"ty": "span", "id": ..., ...}`
// or `{"ty": "self_time", "id": ..., "start": ..., "end": ...}`. id is a
// file-local identifier used to link self_time and child-parent references
// back to the span that originated them; it has no relationship to the
// store's own span.Index values.
type event struct {
	Ty       string      `json:"ty"`
	ID       uint64      `json:"id"`
	Parent   *uint64     `json:"parent,omitempty"`
	Start    uint64      `json:"start"`
	End      uint64      `json:"end,omitempty"`
	Category string      `json:"category,omitempty"`
	Name     string      `json:"name,omitempty"`
	Args     [][2]string `json:"args,omitempty"`
}

// Files decodes and applies each of paths as an independent batch: every
// file is decoded concurrently (golang.org/x/sync/errgroup, matching
// query_dispatcher.go's fan-out pattern), then applied to the store under
// one Container.Write call per file, so a file's spans become visible to
// readers atomically and the store's writer-exclusive section only ever
// covers in-memory application, never file I/O or JSON decoding.
func Files(ctx context.Context, container *store.Container, paths []string) error {
	g, _ := errgroup.WithContext(ctx)
	for _, p := range paths {
		g.Go(func() error {
			events, err := decodeFile(p)
			if err != nil {
				return err
			}
			var applyErr error
			container.Write(func(st *store.Store, outdated store.OutdatedSet) {
				applyErr = applyEvents(st, outdated, events)
			})
			return applyErr
		})
	}
	return g.Wait()
}

func decodeFile(path string) ([]event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ingest: open %s: %w", path, err)
	}
	defer f.Close()

	var events []event
	dec := json.NewDecoder(f)
	for dec.More() {
		var e event
		if err := dec.Decode(&e); err != nil {
			return nil, fmt.Errorf("ingest: decode %s: %w", path, err)
		}
		events = append(events, e)
	}
	return events, nil
}

func applyEvents(st *store.Store, outdated store.OutdatedSet, events []event) error {
	ids := make(map[uint64]span.Index, len(events))
	for _, e := range events {
		switch e.Ty {
		case "span":
			var parent *span.Index
			if e.Parent != nil {
				idx, ok := ids[*e.Parent]
				if !ok {
					return fmt.Errorf("ingest: span %d references unknown parent %d", e.ID, *e.Parent)
				}
				parent = &idx
			}
			var args []span.Arg
			for _, kv := range e.Args {
				args = append(args, span.Arg{Key: kv[0], Value: kv[1]})
			}
			idx, err := st.AddSpan(parent, e.Start, e.Category, e.Name, args, outdated)
			if err != nil {
				return fmt.Errorf("ingest: add span %d: %w", e.ID, err)
			}
			ids[e.ID] = idx

		case "self_time":
			idx, ok := ids[e.ID]
			if !ok {
				return fmt.Errorf("ingest: self_time references unknown span %d", e.ID)
			}
			st.AddSelfTime(idx, e.Start, e.End, outdated)

		default:
			return fmt.Errorf("ingest: unknown event type %q", e.Ty)
		}
	}
	return nil
}
