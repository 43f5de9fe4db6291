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

package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/ilhamster/spanview/store"
)

type clientViewRect struct {
	Type     string     `json:"type"`
	ViewRect clientRect `json:"viewRect"`
}

type clientIDCommand struct {
	Type string `json:"type"`
	ID   uint64 `json:"id"`
}

func readUntil(t *testing.T, conn *websocket.Conn, ctx context.Context, wantType string) json.RawMessage {
	t.Helper()
	for i := 0; i < 50; i++ {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("Read() failed waiting for %q: %v", wantType, err)
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("Unmarshal(envelope) failed: %v", err)
		}
		if env.Type == wantType {
			return data
		}
	}
	t.Fatalf("did not see message type %q within 50 messages", wantType)
	return nil
}

func TestServeRoundTrip(t *testing.T) {
	container := store.NewContainer()
	var rootID uint64
	container.Write(func(st *store.Store, outdated store.OutdatedSet) {
		idx, err := st.AddSpan(nil, 0, "cat", "root", nil, outdated)
		if err != nil {
			t.Fatalf("AddSpan failed: %v", err)
		}
		st.AddSelfTime(idx, 0, 100, outdated)
	})
	container.Read(func(st *store.Store, _ uint64) {
		rootID = uint64(st.RootSpans()[0].ID())
	})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		Serve(w, r, container)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Dial(%s) failed: %v", wsURL, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	rectCmd := clientViewRect{
		Type:     "view-rect",
		ViewRect: clientRect{X: 0, Y: 0, Width: 100, Height: 10, HorizontalPixels: 100},
	}
	rectData, err := json.Marshal(rectCmd)
	if err != nil {
		t.Fatalf("Marshal(view-rect) failed: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, rectData); err != nil {
		t.Fatalf("Write(view-rect) failed: %v", err)
	}

	lineData := readUntil(t, conn, ctx, "view-line")
	var line viewLineMessage
	if err := json.Unmarshal(lineData, &line); err != nil {
		t.Fatalf("Unmarshal(view-line) failed: %v", err)
	}
	if len(line.Spans) != 1 {
		t.Fatalf("view-line spans = %d, want 1", len(line.Spans))
	}
	if got := line.Spans[0].ID; got != rootID {
		t.Errorf("view-line span id = %d, want %d", got, rootID)
	}
	if got := line.Spans[0].W; got != 100 {
		t.Errorf("view-line span width = %d, want 100", got)
	}

	readUntil(t, conn, ctx, "view-lines-count")

	queryCmd := clientIDCommand{Type: "query", ID: rootID}
	queryData, err := json.Marshal(queryCmd)
	if err != nil {
		t.Fatalf("Marshal(query) failed: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, queryData); err != nil {
		t.Fatalf("Write(query) failed: %v", err)
	}

	resultData := readUntil(t, conn, ctx, "query-result")
	var result queryResultMessage
	if err := json.Unmarshal(resultData, &result); err != nil {
		t.Fatalf("Unmarshal(query-result) failed: %v", err)
	}
	if result.ID != rootID {
		t.Errorf("query-result id = %d, want %d", result.ID, rootID)
	}
	if result.IsGraph {
		t.Errorf("query-result isGraph = true, want false for a plain span id")
	}
	if len(result.Path) != 0 {
		t.Errorf("query-result path = %v, want empty for a root span", result.Path)
	}
}
