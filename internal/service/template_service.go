package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/studioposts/api/internal/cache"
	"github.com/studioposts/api/internal/client"
	"github.com/studioposts/api/internal/model"
)

// ErrTemplateNotFound means no template record exists for the id
var ErrTemplateNotFound = errors.New("template not found")

// TemplateService manages template metadata records. Records live in
// Redis keyed per owner; the source documents live in object storage and
// are uploaded by designers through signed URLs.
type TemplateService struct {
	redis *redis.Client
	store client.StorageClient
}

// NewTemplateService creates a new template service
func NewTemplateService(redisClient *redis.Client, store client.StorageClient) *TemplateService {
	return &TemplateService{redis: redisClient, store: store}
}

// CreateTemplate registers a new template and returns it together with a
// signed URL for uploading the source document
func (s *TemplateService) CreateTemplate(ctx context.Context, ownerID string, req *model.TemplateCreateRequest) (*model.Template, *model.TemplateUploadResponse, error) {
	now := time.Now()
	tpl := &model.Template{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		View:      req.View,
		Version:   1,
		Layers:    req.Layers,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tpl.SourceKey = cache.TemplateSourceKey(ownerID, tpl.ID)

	if err := s.saveTemplate(ctx, tpl); err != nil {
		return nil, nil, fmt.Errorf("failed to save template: %w", err)
	}

	upload, err := s.uploadURL(ctx, tpl)
	if err != nil {
		return nil, nil, err
	}
	return tpl, upload, nil
}

// GetTemplate loads a template record scoped to its owner
func (s *TemplateService) GetTemplate(ctx context.Context, ownerID, templateID string) (*model.Template, error) {
	data, err := s.redis.Get(ctx, templateKey(ownerID, templateID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrTemplateNotFound
		}
		return nil, err
	}

	var tpl model.Template
	if err := json.Unmarshal(data, &tpl); err != nil {
		return nil, err
	}
	return &tpl, nil
}

// GetUploadURL hands out a fresh signed PUT URL for a template's source
// document. Re-uploading bumps the version so every cached design derived
// from the old document becomes stale.
func (s *TemplateService) GetUploadURL(ctx context.Context, ownerID, templateID string) (*model.TemplateUploadResponse, error) {
	tpl, err := s.GetTemplate(ctx, ownerID, templateID)
	if err != nil {
		return nil, err
	}

	tpl.Version++
	tpl.UpdatedAt = time.Now()
	if err := s.saveTemplate(ctx, tpl); err != nil {
		return nil, fmt.Errorf("failed to bump template version: %w", err)
	}

	return s.uploadURL(ctx, tpl)
}

func (s *TemplateService) uploadURL(ctx context.Context, tpl *model.Template) (*model.TemplateUploadResponse, error) {
	url, err := s.store.GetSignedUploadURL(ctx, tpl.SourceKey, "image/vnd.adobe.photoshop", signedURLTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to sign template upload: %w", err)
	}
	return &model.TemplateUploadResponse{
		UploadURL: url,
		SourceKey: tpl.SourceKey,
		ExpiresIn: int(signedURLTTL.Seconds()),
	}, nil
}

func (s *TemplateService) saveTemplate(ctx context.Context, tpl *model.Template) error {
	data, err := json.Marshal(tpl)
	if err != nil {
		return err
	}
	// Template records have no TTL; they live as long as the owner's account
	return s.redis.Set(ctx, templateKey(tpl.OwnerID, tpl.ID), data, 0).Err()
}

func templateKey(ownerID, templateID string) string {
	return fmt.Sprintf("template:%s:%s", ownerID, templateID)
}
