package http

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/zeebo/blake3"

	"github.com/jdziat/tracestream/pkg/upload"
)

const uploadPath = "/v1/private/attachment/upload"

// Uploader sends attachments to the collector. Each upload carries a BLAKE3
// digest of its content so the collector can verify what it stored.
type Uploader struct {
	c *client
}

// NewUploader creates an uploader.
func NewUploader(cfg Config) (*Uploader, error) {
	c, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	return &Uploader{c: c}, nil
}

// Upload streams task to the collector with a PUT.
func (u *Uploader) Upload(ctx context.Context, task *upload.Task) error {
	digest, err := Digest(task)
	if err != nil {
		return err
	}

	query := url.Values{}
	query.Set("file_name", task.FileName)
	query.Set("mime_type", task.MimeType)
	query.Set("entity_type", string(task.EntityType))
	query.Set("entity_id", task.EntityID)
	if task.ProjectName != "" {
		query.Set("project_name", task.ProjectName)
	}

	header := http.Header{}
	header.Set("Content-Type", task.MimeType)
	header.Set(HeaderContentBlake3, digest)

	return u.c.do(ctx, &request{
		method:        http.MethodPut,
		path:          uploadPath,
		query:         query,
		header:        header,
		body:          task.Open,
		contentLength: task.Size(),
	})
}

// Digest returns the hex BLAKE3-256 digest of the task's content.
func Digest(task *upload.Task) (string, error) {
	r, err := task.Open()
	if err != nil {
		return "", err
	}
	defer r.Close()

	h := blake3.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("tracestream: hash attachment: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
