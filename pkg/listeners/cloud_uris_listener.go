package listeners

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/comfforts/logger"

	"github.com/hankgalt/query-batcher/pkg/domain"
)

const (
	ERR_CLOUD_LISTENER_MISSING_BUCKET = "cloud listener: error missing bucket"
)

var (
	ErrCloudListenerMissingBucket = errors.New(ERR_CLOUD_LISTENER_MISSING_BUCKET)
)

const uriListContentType = "text/uri-list"

// CloudStorageListenerConfig configures the cloud export listener.
type CloudStorageListenerConfig struct {
	CredsPath string `json:"creds_path"`
	Bucket    string `json:"bucket"`
	Path      string `json:"path"`
}

// CloudURIsListener exports each delivered batch as a text/uri-list object
// "<path>/<job>/batch-<n>.uris" in a cloud storage bucket.
type CloudURIsListener struct {
	client *storage.Client
	bucket string
	path   string
	l      *slog.Logger
}

func NewCloudURIsListener(ctx context.Context, cfg CloudStorageListenerConfig, l *slog.Logger) (*CloudURIsListener, error) {
	if cfg.Bucket == "" {
		return nil, ErrCloudListenerMissingBucket
	}
	if l == nil {
		l = logger.GetSlogLogger()
	}

	if cfg.CredsPath != "" {
		os.Setenv("GOOGLE_APPLICATION_CREDENTIALS", cfg.CredsPath)
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, err
	}

	return &CloudURIsListener{
		client: client,
		bucket: cfg.Bucket,
		path:   cfg.Path,
		l:      l,
	}, nil
}

// ProcessBatch writes the batch's URIs to one bucket object.
func (c *CloudURIsListener) ProcessBatch(ctx context.Context, batch *domain.QueryBatch) error {
	if len(batch.Items()) == 0 {
		return nil // nothing to export
	}

	objName := fmt.Sprintf("%s/batch-%06d.uris", batch.JobTicket().JobID, batch.JobBatchNumber())
	if c.path != "" {
		objName = fmt.Sprintf("%s/%s", c.path, objName)
	}

	w := c.client.Bucket(c.bucket).Object(objName).NewWriter(ctx)
	w.ContentType = uriListContentType
	if _, err := w.Write([]byte(strings.Join(batch.Items(), "\r\n") + "\r\n")); err != nil {
		if cErr := w.Close(); cErr != nil {
			c.l.Error("cloud listener: error closing object writer", "object", objName, "error", cErr)
		}
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	c.l.Debug(
		"cloud listener: exported batch",
		"object", objName,
		"bucket", c.bucket,
		"size", len(batch.Items()),
	)
	return nil
}

// Close releases the storage client.
func (c *CloudURIsListener) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
