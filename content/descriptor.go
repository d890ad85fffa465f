package content

import (
	"encoding/json"
	"fmt"
)

// Kind names a content-sourcing strategy.
type Kind string

const (
	KindTemplate         Kind = "template"
	KindCustomText       Kind = "custom_text"
	KindUploadedDocument Kind = "uploaded_document"
)

// ParseKind validates raw against the known strategies.
func ParseKind(raw string) (Kind, error) {
	switch k := Kind(raw); k {
	case KindTemplate, KindCustomText, KindUploadedDocument:
		return k, nil
	default:
		return "", &Error{Strategy: Kind(raw), Field: "strategy", Reason: "unknown content strategy"}
	}
}

// Descriptor is the immutable content of an agreement. It is implemented only
// by Template, CustomText and UploadedDocument.
type Descriptor interface {
	Kind() Kind
	descriptor()
}

// Template is a snapshot of a provider template taken when the agreement was created.
type Template struct {
	TemplateID string `json:"template_id"`
	FileURL    string `json:"file_url"`
	FileName   string `json:"file_name"`
}

// CustomText is freeform agreement terms.
type CustomText struct {
	Terms string `json:"terms"`
}

// UploadedDocument is a party-supplied file already persisted to the blob store.
type UploadedDocument struct {
	FileURL     string `json:"file_url"`
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	Digest      string `json:"digest"`
}

func (Template) Kind() Kind         { return KindTemplate }
func (CustomText) Kind() Kind       { return KindCustomText }
func (UploadedDocument) Kind() Kind { return KindUploadedDocument }

func (Template) descriptor()         {}
func (CustomText) descriptor()       {}
func (UploadedDocument) descriptor() {}

// Encode serialises d for storage next to its kind.
func Encode(d Descriptor) (Kind, []byte, error) {
	if d == nil {
		return "", nil, fmt.Errorf("content: nil descriptor")
	}
	body, err := json.Marshal(d)
	if err != nil {
		return "", nil, fmt.Errorf("content: encode %s: %w", d.Kind(), err)
	}
	return d.Kind(), body, nil
}

// Decode rebuilds a descriptor previously produced by Encode.
func Decode(kind Kind, body []byte) (Descriptor, error) {
	switch kind {
	case KindTemplate:
		var d Template
		if err := json.Unmarshal(body, &d); err != nil {
			return nil, fmt.Errorf("content: decode template: %w", err)
		}
		return d, nil
	case KindCustomText:
		var d CustomText
		if err := json.Unmarshal(body, &d); err != nil {
			return nil, fmt.Errorf("content: decode custom text: %w", err)
		}
		return d, nil
	case KindUploadedDocument:
		var d UploadedDocument
		if err := json.Unmarshal(body, &d); err != nil {
			return nil, fmt.Errorf("content: decode uploaded document: %w", err)
		}
		return d, nil
	default:
		return nil, fmt.Errorf("content: unknown kind %q", kind)
	}
}
