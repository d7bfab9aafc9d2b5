package service

import (
	"context"
	"fmt"

	"github.com/studioposts/api/internal/cache"
	"github.com/studioposts/api/internal/client"
	"github.com/studioposts/api/internal/model"
)

// ContentService resolves effective designs and manages the manual
// overwrite layer
type ContentService struct {
	cache *cache.Cache
	store client.StorageClient
}

// NewContentService creates a new content service
func NewContentService(contentCache *cache.Cache, store client.StorageClient) *ContentService {
	return &ContentService{cache: contentCache, store: store}
}

// GetDesign returns the effective output for a content identifier with
// short-lived signed download URLs. Overwrites always shadow generated
// output.
func (s *ContentService) GetDesign(ctx context.Context, ref cache.ContentRef) (*model.DesignResponse, error) {
	eff, err := s.cache.Get(ctx, ref)
	if err != nil {
		return nil, err
	}

	docURL, err := s.store.GetSignedURL(ctx, eff.DocumentKey, signedURLTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to sign document URL: %w", err)
	}
	rasterURL, err := s.store.GetSignedURL(ctx, eff.RasterKey, signedURLTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to sign raster URL: %w", err)
	}

	resp := &model.DesignResponse{
		ContentID:    ref.ContentID,
		DocumentURL:  docURL,
		RasterURL:    rasterURL,
		HasOverwrite: eff.HasOverwrite,
	}
	if eff.Meta != nil {
		resp.Hash = eff.Meta.Hash
	}
	return resp, nil
}

// OverwriteUploadURLs hands out signed PUT URLs for both parts of the
// overwrite pair. The pair only becomes effective after CommitOverwrite
// verifies both uploads landed.
func (s *ContentService) OverwriteUploadURLs(ctx context.Context, ref cache.ContentRef) (*model.OverwriteUploadResponse, error) {
	docKey := cache.OverwriteKey(ref, model.FormatDocument)
	rasterKey := cache.OverwriteKey(ref, model.FormatRaster)

	docURL, err := s.store.GetSignedUploadURL(ctx, docKey, "image/vnd.adobe.photoshop", signedURLTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to sign document upload: %w", err)
	}
	rasterURL, err := s.store.GetSignedUploadURL(ctx, rasterKey, "image/jpeg", signedURLTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to sign raster upload: %w", err)
	}

	return &model.OverwriteUploadResponse{
		DocumentUploadURL: docURL,
		RasterUploadURL:   rasterURL,
		DocumentKey:       docKey,
		RasterKey:         rasterKey,
		ExpiresIn:         int(signedURLTTL.Seconds()),
	}, nil
}

// CommitOverwrite activates an uploaded overwrite pair
func (s *ContentService) CommitOverwrite(ctx context.Context, ref cache.ContentRef, req *model.OverwriteCommitRequest) error {
	if req.DocumentKey != cache.OverwriteKey(ref, model.FormatDocument) ||
		req.RasterKey != cache.OverwriteKey(ref, model.FormatRaster) {
		return fmt.Errorf("overwrite keys do not match content identifier")
	}
	return s.cache.PutOverwrite(ctx, ref)
}

// ClearOverwrite removes the overwrite pair. The handler responds with a
// hint that the client should request a forced regeneration; the cache
// never triggers one on its own.
func (s *ContentService) ClearOverwrite(ctx context.Context, ref cache.ContentRef) error {
	return s.cache.ClearOverwrite(ctx, ref)
}
