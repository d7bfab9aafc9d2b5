package model

import "time"

// LayerKind classifies a layer in the template's parsed index
type LayerKind string

const (
	LayerKindText  LayerKind = "text"
	LayerKindImage LayerKind = "image" // smart-object placeholder
	LayerKindGroup LayerKind = "group"
	LayerKindOther LayerKind = "other" // decorative, never edited
)

// TemplateLayer is one entry in a template's parsed layer index
type TemplateLayer struct {
	Name string    `json:"name" validate:"required"`
	Kind LayerKind `json:"kind" validate:"required,oneof=text image group other"`
}

// Template is the metadata record for a designer-authored template document.
// The document bytes themselves live in object storage under SourceKey.
type Template struct {
	ID        string          `json:"id"`
	OwnerID   string          `json:"ownerId"`
	View      TemplateView    `json:"view"`
	Version   int             `json:"version"`
	SourceKey string          `json:"sourceKey"`
	Layers    []TemplateLayer `json:"layers"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// TemplateCreateRequest registers a template's metadata. The source document
// is uploaded separately through a signed URL.
type TemplateCreateRequest struct {
	View   TemplateView    `json:"view" validate:"required,oneof=daily weekly event announcement"`
	Layers []TemplateLayer `json:"layers" validate:"required,min=1,dive"`
}

// TemplateDocument pairs a template's metadata with the fetched document bytes
// for a single render. Immutable once fetched; a new template version
// invalidates every fingerprint derived from it.
type TemplateDocument struct {
	Template *Template
	Bytes    []byte
}
