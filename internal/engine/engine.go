// Package engine talks to the processing engine that renders edit plans onto videos.
package engine

import (
	"context"
	"strings"

	"github.com/jo-hoe/vidprompt/internal/actions"
)

// Request describes one render.
type Request struct {
	JobID    string
	InputRef string // local path or http(s) URL
	Actions  []actions.Action
}

// Result locates the rendered video.
type Result struct {
	// OutputRef is the reference reported by the engine (path or URL).
	OutputRef string
	// LocalPath is where the rendered file is available to the publisher.
	LocalPath string
}

// Client defines the capability to apply actions to a video.
type Client interface {
	Process(ctx context.Context, req Request) (Result, error)
}

// IsRemoteRef reports whether ref is an absolute http(s) URL.
func IsRemoteRef(ref string) bool {
	r := strings.ToLower(strings.TrimSpace(ref))
	return strings.HasPrefix(r, "http://") || strings.HasPrefix(r, "https://")
}
