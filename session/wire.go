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

// Package session implements the per-connection WebSocket protocol: decoding
// client commands, applying them to a viewer.Viewer and store.Container, and
// pushing projected view updates on a timer. See spec.md §4.5 and §6.1.
package session

import "encoding/json"

// envelope is the `{"type": "...", ...}` discriminator every wire message
// carries, decoded first to pick the concrete payload type.
type envelope struct {
	Type string `json:"type"`
}

// clientRect mirrors the client-supplied viewport rectangle.
type clientRect struct {
	X                uint64 `json:"x"`
	Y                uint64 `json:"y"`
	Width            uint64 `json:"width"`
	Height           uint64 `json:"height"`
	HorizontalPixels uint64 `json:"horizontalPixels"`
}

type viewRectMessage struct {
	ViewRect clientRect `json:"viewRect"`
}

type idMessage struct {
	ID uint64 `json:"id"`
}

// wireSpan is one ViewSpan, using the compact camelCase keys spec.md §6.1
// requires: `{ id, x, w, cat, t, c }`.
type wireSpan struct {
	ID    uint64 `json:"id"`
	X     uint64 `json:"x"`
	W     uint64 `json:"w"`
	Cat   string `json:"cat"`
	Text  string `json:"t"`
	Count uint64 `json:"c"`
}

type viewLineMessage struct {
	Type  string     `json:"type"`
	Y     uint64     `json:"y"`
	Spans []wireSpan `json:"spans"`
}

type viewLinesCountMessage struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

type queryResultMessage struct {
	Type    string     `json:"type"`
	ID      uint64     `json:"id"`
	IsGraph bool       `json:"isGraph"`
	Start   uint64     `json:"start"`
	Args    [][2]string `json:"args"`
	Path    []string   `json:"path"`
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// Every payload above is built entirely from this package's own
		// fields (uint64, string, bool, slices thereof); json.Marshal can
		// only fail here on an unsupported type, which would be a
		// programming error, not a runtime condition to recover from.
		panic("session: failed to marshal outgoing message: " + err.Error())
	}
	return b
}
