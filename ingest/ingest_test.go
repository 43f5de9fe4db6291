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

package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ilhamster/spanview/store"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile(%s) failed: %v", path, err)
	}
	return path
}

func TestFilesAppliesSpansAndSelfTime(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "trace.ndjson", `
{"ty":"span","id":1,"start":0,"category":"cat","name":"root"}
{"ty":"span","id":2,"parent":1,"start":5,"category":"cat","name":"child"}
{"ty":"self_time","id":2,"start":5,"end":15}
`)

	container := store.NewContainer()
	if err := Files(context.Background(), container, []string{path}); err != nil {
		t.Fatalf("Files() failed: %v", err)
	}

	var selfTime uint64
	container.Read(func(st *store.Store, generation uint64) {
		if generation == 0 {
			t.Errorf("generation did not advance after ingestion")
		}
		roots := st.RootSpans()
		if len(roots) != 1 {
			t.Fatalf("RootSpans() = %d roots, want 1", len(roots))
		}
		children := roots[0].Children()
		if len(children) != 1 {
			t.Fatalf("root Children() = %d, want 1", len(children))
		}
		selfTime = children[0].SelfTime()
	})
	if selfTime != 10 {
		t.Errorf("child SelfTime() = %d, want 10", selfTime)
	}
}

func TestFilesRejectsUnknownParent(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bad.ndjson", `{"ty":"span","id":2,"parent":99,"start":0,"name":"orphan"}`)

	container := store.NewContainer()
	if err := Files(context.Background(), container, []string{path}); err == nil {
		t.Fatalf("Files() succeeded, want error for unknown parent reference")
	}
}

func TestFilesRejectsUnknownEventType(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bad.ndjson", `{"ty":"bogus","id":1}`)

	container := store.NewContainer()
	if err := Files(context.Background(), container, []string{path}); err == nil {
		t.Fatalf("Files() succeeded, want error for unknown event type")
	}
}
