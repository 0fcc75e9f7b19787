package message

import (
	"errors"
	"fmt"
	"time"
)

// EntityType names the kind of entity an attachment belongs to.
type EntityType string

const (
	EntityTrace EntityType = "trace"
	EntitySpan  EntityType = "span"
)

// AttachmentSpec describes an attachment to create.
// Exactly one of FilePath and Data must be set.
type AttachmentSpec struct {
	FilePath    string
	Data        []byte
	FileName    string
	MimeType    string
	EntityType  EntityType
	EntityID    string
	ProjectName string

	// DeleteAfterUpload removes FilePath once the upload reaches a terminal
	// outcome. Set it for temporary files written only for transmission.
	DeleteAfterUpload bool
}

// Attachment is a binary payload uploaded out-of-band from the message queue.
type Attachment struct {
	id        string
	spec      AttachmentSpec
	createdAt time.Time
}

// NewAttachment validates spec and creates an attachment message.
func NewAttachment(spec AttachmentSpec) (*Attachment, error) {
	if spec.FilePath == "" && spec.Data == nil {
		return nil, errors.New("message: attachment needs a file path or data")
	}
	if spec.FilePath != "" && spec.Data != nil {
		return nil, errors.New("message: attachment has both a file path and data")
	}
	switch spec.EntityType {
	case EntityTrace, EntitySpan:
	default:
		return nil, fmt.Errorf("message: invalid attachment entity type %q", spec.EntityType)
	}
	if spec.EntityID == "" {
		return nil, errors.New("message: attachment entity id is required")
	}
	if spec.DeleteAfterUpload && spec.FilePath == "" {
		return nil, errors.New("message: delete-after-upload requires a file path")
	}
	return &Attachment{id: NewID(), spec: spec, createdAt: time.Now()}, nil
}

func (a *Attachment) ID() string           { return a.id }
func (a *Attachment) Kind() Kind           { return KindCreateAttachment }
func (a *Attachment) CreatedAt() time.Time { return a.createdAt }

// Spec returns the attachment description.
func (a *Attachment) Spec() AttachmentSpec { return a.spec }

func (a *Attachment) sealed() {}

// String returns a compact representation for logging.
func (a *Attachment) String() string {
	return fmt.Sprintf("%s{id=%s %s=%s}", KindCreateAttachment, a.id, a.spec.EntityType, a.spec.EntityID)
}
