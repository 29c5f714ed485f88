// Package publish makes rendered videos available at a stable reference.
package publish

import (
	"context"
	"path"
	"strings"
)

// Publisher uploads a local file and returns its public reference.
// Publishing is not idempotent: a repeated call may create a second object.
type Publisher interface {
	Publish(ctx context.Context, localPath, key string) (string, error)
}

// cleanKey normalizes an object key to a relative slash path.
func cleanKey(key string) string {
	k := strings.ReplaceAll(key, "\\", "/")
	k = path.Clean("/" + k)
	return strings.TrimPrefix(k, "/")
}

func joinURL(base string, parts ...string) string {
	out := strings.TrimRight(base, "/")
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p == "" {
			continue
		}
		out += "/" + p
	}
	return out
}
