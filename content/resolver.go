package content

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"agreementflow/blob"
)

// MaxDocumentSize bounds uploaded agreement documents.
const MaxDocumentSize = 5 << 20

var allowedDocumentTypes = []string{
	"application/pdf",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

// Upload is a party-supplied document awaiting validation.
type Upload struct {
	FileName string
	Reader   io.Reader
}

// Request selects a strategy and carries its inputs. Only the fields of the
// chosen strategy are read.
type Request struct {
	Strategy   Kind
	ProviderID string
	TemplateID string
	Terms      string
	Document   *Upload
}

// TemplateLibrary exposes the provider template catalogue.
type TemplateLibrary interface {
	GetTemplate(ctx context.Context, id string) (LibraryTemplate, error)
}

// BlobWriter persists uploaded documents.
type BlobWriter interface {
	Put(ctx context.Context, name, contentType string, data []byte) (blob.Object, error)
}

// Resolver turns a content request into an immutable Descriptor.
type Resolver struct {
	templates TemplateLibrary
	blobs     BlobWriter
	logger    *zap.Logger
}

// NewResolver builds a Resolver. A nil logger discards output.
func NewResolver(templates TemplateLibrary, blobs BlobWriter, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{templates: templates, blobs: blobs, logger: logger}
}

// Resolve validates req and returns the descriptor to store on the agreement.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Descriptor, error) {
	switch req.Strategy {
	case KindTemplate:
		return r.resolveTemplate(ctx, req)
	case KindCustomText:
		return resolveCustomText(req)
	case KindUploadedDocument:
		return r.resolveUpload(ctx, req)
	default:
		return nil, &Error{Strategy: req.Strategy, Field: "strategy", Reason: "unknown content strategy"}
	}
}

func (r *Resolver) resolveTemplate(ctx context.Context, req Request) (Descriptor, error) {
	if strings.TrimSpace(req.TemplateID) == "" {
		return nil, &Error{Strategy: KindTemplate, Field: "template_id", Reason: "required"}
	}
	notFound := &Error{Strategy: KindTemplate, Field: "template_id", Reason: "template not found"}
	id, err := uuid.Parse(strings.TrimSpace(req.TemplateID))
	if err != nil {
		return nil, notFound
	}
	tpl, err := r.templates.GetTemplate(ctx, id.String())
	if err != nil {
		if errors.Is(err, ErrTemplateNotFound) {
			return nil, notFound
		}
		return nil, fmt.Errorf("content: load template: %w", err)
	}
	if !sameID(tpl.ProviderID, req.ProviderID) {
		// Foreign templates are indistinguishable from missing ones.
		return nil, notFound
	}
	return Template{
		TemplateID: tpl.ID,
		FileURL:    tpl.FileURL,
		FileName:   tpl.FileName,
	}, nil
}

// sameID compares two UUIDs regardless of case or braces. Unparseable IDs never match.
func sameID(a, b string) bool {
	ua, err := uuid.Parse(a)
	if err != nil {
		return false
	}
	ub, err := uuid.Parse(b)
	if err != nil {
		return false
	}
	return ua == ub
}

func resolveCustomText(req Request) (Descriptor, error) {
	if strings.TrimSpace(req.Terms) == "" {
		return nil, &Error{Strategy: KindCustomText, Field: "terms", Reason: "terms must not be blank"}
	}
	return CustomText{Terms: req.Terms}, nil
}

func (r *Resolver) resolveUpload(ctx context.Context, req Request) (Descriptor, error) {
	if req.Document == nil || req.Document.Reader == nil {
		return nil, &Error{Strategy: KindUploadedDocument, Field: "document", Reason: "required"}
	}

	data, err := io.ReadAll(io.LimitReader(req.Document.Reader, MaxDocumentSize+1))
	if err != nil {
		return nil, fmt.Errorf("content: read document: %w", err)
	}
	switch {
	case len(data) == 0:
		return nil, &Error{Strategy: KindUploadedDocument, Field: "document", Reason: "document is empty"}
	case len(data) > MaxDocumentSize:
		return nil, &Error{Strategy: KindUploadedDocument, Field: "document", Reason: "document exceeds 5 MB"}
	}

	contentType, ok := documentType(data)
	if !ok {
		return nil, &Error{Strategy: KindUploadedDocument, Field: "document", Reason: "unsupported document type " + contentType}
	}

	name := filepath.Base(strings.TrimSpace(req.Document.FileName))
	if name == "." || name == string(filepath.Separator) {
		name = "document"
	}

	obj, err := r.blobs.Put(ctx, name, contentType, data)
	if err != nil {
		return nil, fmt.Errorf("content: store document: %w", err)
	}
	r.logger.Info("agreement document stored",
		zap.String("ref", obj.Ref),
		zap.String("content_type", contentType),
		zap.Int64("size", obj.Size),
	)

	return UploadedDocument{
		FileURL:     obj.Ref,
		FileName:    name,
		ContentType: contentType,
		Size:        obj.Size,
		Digest:      obj.Digest,
	}, nil
}

// documentType sniffs data and reports whether it is an accepted document.
func documentType(data []byte) (string, bool) {
	detected := mimetype.Detect(data)
	for m := detected; m != nil; m = m.Parent() {
		for _, allowed := range allowedDocumentTypes {
			if m.Is(allowed) {
				return allowed, true
			}
		}
	}
	return detected.String(), false
}
