package publish

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jo-hoe/vidprompt/internal/config"
	"github.com/jo-hoe/vidprompt/internal/failure"
)

func writeArtifact(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "render.mp4")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestLocal_Publish(t *testing.T) {
	dir := t.TempDir()
	pub := NewLocal(config.LocalSettings{Dir: dir, BaseURL: "https://cdn.example/"})

	url, err := pub.Publish(context.Background(), writeArtifact(t, "video"), "job-1.mp4")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/artifacts/job-1.mp4", url)

	data, err := os.ReadFile(filepath.Join(dir, "job-1.mp4"))
	require.NoError(t, err)
	assert.Equal(t, "video", string(data))
}

func TestLocal_PublishKeyCannotEscapeDir(t *testing.T) {
	dir := t.TempDir()
	pub := NewLocal(config.LocalSettings{Dir: dir, BaseURL: "http://localhost:8080"})

	url, err := pub.Publish(context.Background(), writeArtifact(t, "v"), "../../outside.mp4")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/artifacts/outside.mp4", url)
	_, err = os.Stat(filepath.Join(dir, "outside.mp4"))
	assert.NoError(t, err)
}

func TestLocal_PublishMissingSource(t *testing.T) {
	pub := NewLocal(config.LocalSettings{Dir: t.TempDir(), BaseURL: "http://localhost"})
	_, err := pub.Publish(context.Background(), "/nope/render.mp4", "job.mp4")
	require.Error(t, err)
	assert.Equal(t, failure.KindPublish, failure.KindOf(err))
	assert.Equal(t, failure.CauseUpload, failure.CauseOf(err))
}

func TestCleanKey(t *testing.T) {
	assert.Equal(t, "a/b.mp4", cleanKey(`a\b.mp4`))
	assert.Equal(t, "b.mp4", cleanKey("/../b.mp4"))
	assert.Equal(t, "", cleanKey(""))
}
