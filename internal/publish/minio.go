package publish

import (
	"context"
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/jo-hoe/vidprompt/internal/common"
	"github.com/jo-hoe/vidprompt/internal/config"
	"github.com/jo-hoe/vidprompt/internal/failure"
	"github.com/jo-hoe/vidprompt/internal/storage"
)

var _ Publisher = (*Minio)(nil)

// Minio uploads artifacts to an S3-compatible bucket.
type Minio struct {
	client        *minio.Client
	bucket        string
	prefix        string
	publicBaseURL string
}

func NewMinio(cfg config.MinioSettings) (*Minio, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Minio{
		client:        client,
		bucket:        cfg.Bucket,
		prefix:        cfg.Prefix,
		publicBaseURL: cfg.PublicBaseURL,
	}, nil
}

func (m *Minio) Publish(ctx context.Context, localPath, key string) (string, error) {
	objectKey := cleanKey(m.prefix + cleanKey(key))
	if objectKey == "" {
		return "", failure.Publish(failure.CauseUpload, nil, "empty artifact key")
	}
	_, err := m.client.FPutObject(ctx, m.bucket, objectKey, localPath, minio.PutObjectOptions{
		ContentType: contentTypeFor(localPath),
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", failure.Publish(failure.CauseUpload, err, "upload %s to bucket %s", objectKey, m.bucket)
	}
	return m.objectURL(objectKey), nil
}

// objectURL prefers the configured public origin over the API endpoint.
func (m *Minio) objectURL(objectKey string) string {
	if strings.TrimSpace(m.publicBaseURL) != "" {
		return joinURL(m.publicBaseURL, objectKey)
	}
	return joinURL(m.client.EndpointURL().String(), m.bucket, objectKey)
}

func contentTypeFor(path string) string {
	if mt := storage.MimeForExtension(path); mt != "" {
		return mt
	}
	if mt := mime.TypeByExtension(filepath.Ext(path)); mt != "" {
		return mt
	}
	return common.ContentTypeOctet
}
