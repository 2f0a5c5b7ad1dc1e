// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/cheggaaa/pb/v3"
	"github.com/fatih/color"
	"golang.org/x/term"

	"opull/pkg/opull"
)

// newProgress picks the progress renderer for the current mode and returns it
// with a close function that is safe to call more than once.
func newProgress(ro *RootOpts) (opull.ProgressFunc, func()) {
	switch {
	case ro.JSONOut:
		return jsonProgress(os.Stdout), func() {}
	case ro.Quiet || !term.IsTerminal(int(os.Stdout.Fd())):
		return textProgress(ro), func() {}
	default:
		return barProgress(ro)
	}
}

// jsonProgress emits one JSON object per event.
func jsonProgress(w *os.File) opull.ProgressFunc {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	var mu sync.Mutex
	return func(ev opull.ProgressEvent) {
		mu.Lock()
		_ = enc.Encode(ev)
		mu.Unlock()
	}
}

// textProgress prints plain status lines, one per state change. Byte-level
// progress events are dropped; they only matter to the bar renderer.
func textProgress(ro *RootOpts) opull.ProgressFunc {
	var mu sync.Mutex
	return func(ev opull.ProgressEvent) {
		mu.Lock()
		defer mu.Unlock()
		switch ev.Event {
		case "resolve_start":
			fmt.Printf("pulling %s ...\n", ev.Model)
		case "manifest":
			fmt.Printf("manifest resolved: %s (%s)\n", ev.Message, formatBytes(ev.Total))
		case "layer_start":
			if ro.Verbose {
				fmt.Printf("downloading %s (%s)\n", shortDigest(ev.Digest), formatBytes(ev.Total))
			}
		case "layer_done":
			if strings.HasPrefix(ev.Message, "skip") {
				fmt.Printf("skip: %s %s\n", shortDigest(ev.Digest), ev.Message)
			} else if ro.Verbose {
				fmt.Printf("done: %s\n", shortDigest(ev.Digest))
			}
		case "retry":
			fmt.Fprintf(os.Stderr, "retry %s (attempt %d): %s\n", shortDigest(ev.Digest), ev.Attempt, ev.Message)
		case "error":
			if ev.Level == "warn" {
				color.Yellow("warning: %s", ev.Message)
			} else {
				fmt.Fprintf(os.Stderr, "error: %s\n", ev.Message)
			}
		case "done":
			fmt.Println(ev.Message)
		}
	}
}

// barProgress renders one aggregate byte bar across all layers.
func barProgress(ro *RootOpts) (opull.ProgressFunc, func()) {
	var (
		mu      sync.Mutex
		bar     *pb.ProgressBar
		perBlob = map[string]int64{}
		once    sync.Once
	)

	closeBar := func() {
		once.Do(func() {
			mu.Lock()
			defer mu.Unlock()
			if bar != nil {
				bar.Finish()
			}
		})
	}

	handler := func(ev opull.ProgressEvent) {
		mu.Lock()
		defer mu.Unlock()
		switch ev.Event {
		case "manifest":
			bar = pb.New64(ev.Total)
			bar.Set(pb.Bytes, true)
			bar.SetWriter(os.Stderr)
			bar.Start()
		case "layer_progress", "layer_done":
			done := ev.Downloaded
			if done > ev.Total {
				done = ev.Total
			}
			perBlob[ev.Digest] = done
			if bar != nil {
				var sum int64
				for _, n := range perBlob {
					sum += n
				}
				bar.SetCurrent(sum)
			}
		case "retry":
			if bar != nil {
				bar.Set("prefix", fmt.Sprintf("retry %d ", ev.Attempt))
			}
		}
	}
	return handler, closeBar
}

func shortDigest(d string) string {
	if i := strings.Index(d, ":"); i >= 0 && len(d) > i+13 {
		return d[:i+13]
	}
	return d
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
