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

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"

	"github.com/ilhamster/spanview/ingest"
	"github.com/ilhamster/spanview/session"
	"github.com/ilhamster/spanview/store"
)

var (
	port     = flag.Int("port", 57475, "Port to serve the trace viewer on")
	traceDir = flag.String("trace_dir", "", "Directory of newline-delimited JSON trace files to ingest at startup")
)

func main() {
	flag.Parse()

	container := store.NewContainer()

	if *traceDir != "" {
		paths, err := traceFiles(*traceDir)
		if err != nil {
			log.Fatalf("Failed to list trace files in %s: %s", *traceDir, err)
		}
		if err := ingest.Files(context.Background(), container, paths); err != nil {
			log.Fatalf("Failed to ingest traces from %s: %s", *traceDir, err)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/trace", func(w http.ResponseWriter, r *http.Request) {
		session.Serve(w, r, container)
	})

	hostname, err := os.Hostname()
	if err != nil {
		log.Fatalf("Failed to get hostname: %s", err)
	}

	fmt.Printf("Serving spanview at \x1B]8;;http://%[1]s:%[2]d\x07http://%[1]s:%[2]d\x1B]8;;\x07\n", hostname, *port)
	log.Fatal(http.ListenAndServe(fmt.Sprintf(":%d", *port), mux))
}

func traceFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	return paths, nil
}
