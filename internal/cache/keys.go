package cache

import (
	"fmt"

	"github.com/studioposts/api/internal/model"
)

// ContentRef identifies one piece of generated content in storage
type ContentRef struct {
	OwnerID    string
	TemplateID string
	ContentID  string
}

// TemplateSourceKey is the storage path of a template's source document
func TemplateSourceKey(ownerID, templateID string) string {
	return fmt.Sprintf("%s/%s.psd", ownerID, templateID)
}

// GeneratedKey is the storage path of one half of a generated output pair
func GeneratedKey(ref ContentRef, format model.ExportFormat) string {
	return fmt.Sprintf("%s/%s/%s.%s", ref.OwnerID, ref.TemplateID, ref.ContentID, format)
}

// OverwriteKey mirrors the generated path shape in the overwrite namespace.
// Presence of both parts of the pair means the overwrite is active.
func OverwriteKey(ref ContentRef, format model.ExportFormat) string {
	return fmt.Sprintf("overwrites/%s/%s/%s.%s", ref.OwnerID, ref.TemplateID, ref.ContentID, format)
}

// metaKey is the storage path of the commit record for a generated pair
func metaKey(ref ContentRef) string {
	return fmt.Sprintf("%s/%s/%s.json", ref.OwnerID, ref.TemplateID, ref.ContentID)
}

// Local tier keys carry the full owner/template/content triple so a
// content ID can never resolve across owners or templates.
func localMetaKey(ref ContentRef) string {
	return fmt.Sprintf("design:meta:%s:%s:%s", ref.OwnerID, ref.TemplateID, ref.ContentID)
}

func localOverwriteKey(ref ContentRef) string {
	return fmt.Sprintf("design:ow:%s:%s:%s", ref.OwnerID, ref.TemplateID, ref.ContentID)
}
