package upload

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/jdziat/tracestream/pkg/message"
)

const defaultMimeType = "application/octet-stream"

// Task is one attachment upload. A Task belongs to the Manager once
// submitted.
type Task struct {
	ID                string
	FilePath          string
	Data              []byte
	FileName          string
	MimeType          string
	EntityType        message.EntityType
	EntityID          string
	ProjectName       string
	DeleteAfterUpload bool

	size int64
	done atomic.Bool
}

// NewTask builds a task from an attachment message. File-backed attachments
// are stat'ed to learn their size; a missing file is an error.
func NewTask(a *message.Attachment) (*Task, error) {
	spec := a.Spec()
	t := &Task{
		ID:                a.ID(),
		FilePath:          spec.FilePath,
		Data:              spec.Data,
		FileName:          spec.FileName,
		MimeType:          spec.MimeType,
		EntityType:        spec.EntityType,
		EntityID:          spec.EntityID,
		ProjectName:       spec.ProjectName,
		DeleteAfterUpload: spec.DeleteAfterUpload,
	}

	if t.FilePath != "" {
		info, err := os.Stat(t.FilePath)
		if err != nil {
			return nil, fmt.Errorf("upload: stat attachment: %w", err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("upload: attachment %s is a directory", t.FilePath)
		}
		t.size = info.Size()
		if t.FileName == "" {
			t.FileName = filepath.Base(t.FilePath)
		}
	} else {
		t.size = int64(len(t.Data))
		if t.FileName == "" {
			t.FileName = "attachment-" + t.ID
		}
	}

	if t.MimeType == "" {
		t.MimeType = mime.TypeByExtension(filepath.Ext(t.FileName))
		if t.MimeType == "" {
			t.MimeType = defaultMimeType
		}
	}
	return t, nil
}

// Size returns the payload size in bytes.
func (t *Task) Size() int64 { return t.size }

// Done reports whether the task reached a terminal outcome.
func (t *Task) Done() bool { return t.done.Load() }

// Open returns a reader over the payload.
func (t *Task) Open() (io.ReadCloser, error) {
	if t.FilePath == "" {
		return io.NopCloser(bytes.NewReader(t.Data)), nil
	}
	f, err := os.Open(t.FilePath)
	if err != nil {
		return nil, fmt.Errorf("upload: open attachment: %w", err)
	}
	return f, nil
}

// cleanup removes a temporary file. A file that is already gone is fine.
func (t *Task) cleanup() error {
	if !t.DeleteAfterUpload || t.FilePath == "" {
		return nil
	}
	if err := os.Remove(t.FilePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("upload: remove %s: %w", t.FilePath, err)
	}
	return nil
}
