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
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/ilhamster/spanview/store"
	"github.com/ilhamster/spanview/viewer"
)

const pushInterval = 500 * time.Millisecond

// Connection is one live WebSocket session: its own viewport, expand/collapse
// choices, and last-pushed generation. A single mutex serializes everything
// that touches the connection — command handling, forced projection, and the
// periodic push — including the socket writer itself, so no two goroutines
// ever interleave writes. See spec.md §4.5 and §5.
type Connection struct {
	conn  *websocket.Conn
	store *store.Container

	mu             sync.Mutex
	rect           viewer.Rect
	viewer         *viewer.Viewer
	lastGeneration uint64
}

// Serve accepts a WebSocket connection on w/r and runs it to completion: a
// push goroutine alongside the calling goroutine's receive loop, until
// either side errors or the client closes the socket. It does not return
// until the session has fully ended.
func Serve(w http.ResponseWriter, r *http.Request, container *store.Container) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Printf("session: accept failed: %v", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "session ended")

	c := &Connection{
		conn:   conn,
		store:  container,
		rect:   viewer.Rect{X: 0, Y: 0, Width: 1, Height: 1, HorizontalPixels: 1},
		viewer: viewer.New(),
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	pushErr := make(chan error, 1)
	go c.pushLoop(ctx, pushErr)

	recvErr := c.receiveLoop(ctx)
	cancel()
	if err := <-pushErr; err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("session: push loop ended: %v", err)
	}

	if recvErr != nil && !isNormalClose(recvErr) {
		log.Printf("session: receive loop ended: %v", recvErr)
		conn.Close(websocket.StatusProtocolError, recvErr.Error())
		return
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func isNormalClose(err error) bool {
	var closeErr websocket.CloseError
	return errors.As(err, &closeErr) && closeErr.Code == websocket.StatusNormalClosure
}

func (c *Connection) pushLoop(ctx context.Context, done chan<- error) {
	ticker := time.NewTicker(pushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			done <- nil
			return
		case <-ticker.C:
			c.mu.Lock()
			var gen uint64
			c.store.Read(func(_ *store.Store, generation uint64) { gen = generation })
			if gen == c.lastGeneration {
				c.mu.Unlock()
				continue
			}
			err := c.projectLocked(ctx)
			c.mu.Unlock()
			if err != nil {
				done <- err
				return
			}
		}
	}
}

func (c *Connection) receiveLoop(ctx context.Context) error {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			continue
		}
		if err := c.handleMessage(ctx, data); err != nil {
			return err
		}
	}
}

// handleMessage decodes one client command and applies it. Mutation-style
// commands (everything but query) trigger an immediate forced projection,
// per spec.md §4.5.
func (c *Connection) handleMessage(ctx context.Context, data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("session: malformed message: %w", err)
	}

	switch env.Type {
	case "view-rect":
		var m viewRectMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("session: malformed view-rect: %w", err)
		}
		c.mu.Lock()
		c.rect = viewer.Rect(m.ViewRect)
		err := c.projectLocked(ctx)
		c.mu.Unlock()
		return err

	case "expand":
		return c.setExpand(ctx, data, viewer.Expanded)
	case "expand-all":
		return c.setExpand(ctx, data, viewer.AllExpanded)
	case "collapse":
		return c.setExpand(ctx, data, viewer.Collapsed)

	case "reset-expand":
		var m idMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("session: malformed reset-expand: %w", err)
		}
		c.mu.Lock()
		c.viewer.SetExpandedState(store.Id(m.ID), nil)
		err := c.projectLocked(ctx)
		c.mu.Unlock()
		return err

	case "query":
		var m idMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("session: malformed query: %w", err)
		}
		return c.handleQuery(ctx, store.Id(m.ID))

	default:
		return fmt.Errorf("session: unknown message type %q", env.Type)
	}
}

func (c *Connection) setExpand(ctx context.Context, data []byte, state viewer.ExpandedState) error {
	var m idMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("session: malformed expand command: %w", err)
	}
	c.mu.Lock()
	c.viewer.SetExpandedState(store.Id(m.ID), &state)
	err := c.projectLocked(ctx)
	c.mu.Unlock()
	return err
}

func (c *Connection) handleQuery(ctx context.Context, id store.Id) error {
	msg := queryResultMessage{Type: "query-result", ID: uint64(id)}
	c.store.Read(func(st *store.Store, _ uint64) {
		ref, isGraph, ok := st.Span(id)
		if !ok {
			return
		}
		msg.IsGraph = isGraph
		msg.Start = ref.Start()
		for _, a := range ref.Args() {
			msg.Args = append(msg.Args, [2]string{a.Key, a.Value})
		}
		var path []string
		cur := ref
		for {
			parent, ok := cur.Parent()
			if !ok {
				break
			}
			_, title := parent.NiceName()
			path = append(path, title)
			cur = parent
		}
		for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
			path[i], path[j] = path[j], path[i]
		}
		msg.Path = path
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, mustMarshal(msg))
}

// projectLocked recomputes and pushes the current projection. Callers must
// hold c.mu.
func (c *Connection) projectLocked(ctx context.Context) error {
	var lines []viewer.LineUpdate
	var gen uint64
	c.store.Read(func(st *store.Store, generation uint64) {
		gen = generation
		lines = c.viewer.ComputeUpdate(st, c.rect)
	})
	c.lastGeneration = gen

	count := 0
	for _, l := range lines {
		if len(l.Spans) == 0 {
			continue
		}
		count++
		wl := viewLineMessage{Type: "view-line", Y: l.Y, Spans: make([]wireSpan, len(l.Spans))}
		for i, s := range l.Spans {
			wl.Spans[i] = wireSpan{ID: uint64(s.ID), X: s.Start, W: s.Width, Cat: s.Category, Text: s.Text, Count: s.Count}
		}
		if err := c.conn.Write(ctx, websocket.MessageText, mustMarshal(wl)); err != nil {
			return err
		}
	}
	return c.conn.Write(ctx, websocket.MessageText, mustMarshal(viewLinesCountMessage{Type: "view-lines-count", Count: count}))
}
