package backend

import (
	"context"
	"fmt"

	"github.com/bencyrus/testflight-uploader/internal/ascapi"
	"github.com/bencyrus/testflight-uploader/internal/auth"
	"github.com/bencyrus/testflight-uploader/internal/bundle"
	"github.com/bencyrus/testflight-uploader/internal/logger"
	"github.com/bencyrus/testflight-uploader/internal/processing"
	"github.com/bencyrus/testflight-uploader/internal/upload"
)

// MetadataExtractor reads bundle metadata from a binary.
type MetadataExtractor func(path string) (bundle.Metadata, error)

// AppStoreAPI uploads through the App Store Connect build upload API and
// waits for processing.
type AppStoreAPI struct {
	api      *ascapi.Client
	creds    auth.Provider
	uploads  *upload.Manager
	watcher  *processing.Watcher
	extract  MetadataExtractor
	skipWait bool
}

func NewAppStoreAPI(api *ascapi.Client, creds auth.Provider, uploads *upload.Manager, watcher *processing.Watcher, extract MetadataExtractor, skipWait bool) *AppStoreAPI {
	if extract == nil {
		extract = bundle.Extract
	}
	return &AppStoreAPI{
		api:      api,
		creds:    creds,
		uploads:  uploads,
		watcher:  watcher,
		extract:  extract,
		skipWait: skipWait,
	}
}

func (b *AppStoreAPI) Kind() Kind { return KindAppStoreAPI }

func (b *AppStoreAPI) Upload(ctx context.Context, params Params) (*Result, error) {
	logger.Info(ctx, "starting App Store API upload backend")

	md, err := b.extract(params.AppPath)
	if err != nil {
		return nil, fmt.Errorf("failed to extract app metadata: %w", err)
	}
	platform := ascapi.BuildPlatform(params.AppType)
	logger.Debug(ctx, "extracted metadata", logger.Fields{
		"bundle_id":     md.BundleID,
		"build_number":  md.BuildNumber,
		"short_version": md.ShortVersion,
		"platform":      platform,
	})

	cred, err := b.creds.Credential(ctx)
	if err != nil {
		return nil, err
	}
	appID, err := b.api.LookupAppID(ctx, cred, md.BundleID)
	if err != nil {
		return nil, err
	}

	session, err := b.uploads.Upload(ctx, params.AppPath, platform, appID, md)
	if err != nil {
		return nil, err
	}

	if b.skipWait {
		logger.Info(ctx, "skipping wait for build processing")
	} else if err := b.watcher.Wait(ctx, md.BundleID, md.BuildNumber, platform); err != nil {
		return nil, err
	}

	return &Result{Backend: KindAppStoreAPI, UploadID: session.ID, Metadata: &md}, nil
}
