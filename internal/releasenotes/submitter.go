package releasenotes

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bencyrus/testflight-uploader/internal/ascapi"
	"github.com/bencyrus/testflight-uploader/internal/auth"
	"github.com/bencyrus/testflight-uploader/internal/bundle"
	"github.com/bencyrus/testflight-uploader/internal/logger"
	"github.com/bencyrus/testflight-uploader/internal/poll"
)

const (
	DefaultAttempts = 20
	DefaultDelay    = 30 * time.Second
)

// Submitter attaches TestFlight release notes to a build. It resolves the
// build on its own and does not reuse the upload session.
type Submitter struct {
	api      *ascapi.Client
	creds    auth.Provider
	attempts int
	delay    time.Duration
}

func NewSubmitter(api *ascapi.Client, creds auth.Provider, attempts int, delay time.Duration) *Submitter {
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	return &Submitter{api: api, creds: creds, attempts: attempts, delay: delay}
}

// Submit is a no-op when notes are blank. Notes longer than the server limit
// are truncated.
func (s *Submitter) Submit(ctx context.Context, notes string, md bundle.Metadata, platform string) error {
	trimmed := strings.TrimSpace(notes)
	if trimmed == "" {
		logger.Info(ctx, "no release note provided, skipping TestFlight metadata update")
		return nil
	}

	cred, err := s.creds.Credential(ctx)
	if err != nil {
		return err
	}
	appID, err := s.api.LookupAppID(ctx, cred, md.BundleID)
	if err != nil {
		return err
	}
	logger.Debug(ctx, "resolved app", logger.Fields{"app_id": appID, "bundle_id": md.BundleID})

	filter := ascapi.BuildFilter{AppID: appID, Version: md.BuildNumber, Platform: platform}
	buildID, err := s.await(ctx, fmt.Sprintf("build %s to appear in App Store Connect", md.BuildNumber),
		func(ctx context.Context, cred auth.Credential) (string, error) {
			return s.api.FindBuildID(ctx, cred, filter)
		})
	if err != nil {
		return err
	}

	localizationID, err := s.await(ctx, fmt.Sprintf("beta build localization of build %s", buildID),
		func(ctx context.Context, cred auth.Credential) (string, error) {
			return s.api.FindLocalizationID(ctx, cred, buildID)
		})
	if err != nil {
		return err
	}

	cred, err = s.creds.Credential(ctx)
	if err != nil {
		return err
	}
	if err := s.api.UpdateWhatsNew(ctx, cred, localizationID, trimmed); err != nil {
		return err
	}

	logger.Info(ctx, "updated TestFlight release note", logger.Fields{
		"build_id":        buildID,
		"localization_id": localizationID,
	})
	return nil
}

// await polls lookup until it returns a non-empty id.
func (s *Submitter) await(ctx context.Context, resource string, lookup func(context.Context, auth.Credential) (string, error)) (string, error) {
	return poll.Until(ctx, func(ctx context.Context) (string, error) {
		cred, err := s.creds.Credential(ctx)
		if err != nil {
			return "", err
		}
		return lookup(ctx, cred)
	}, func(id string) bool {
		return id != ""
	}, poll.Options{
		Attempts: s.attempts,
		Delay:    s.delay,
		Resource: resource,
		OnRetry: func(attempt int) {
			logger.Warn(ctx, "waiting for "+resource, logger.Fields{
				"attempt":       attempt + 1,
				"max_attempts":  s.attempts,
				"retry_in_secs": int(s.delay.Seconds()),
			})
		},
	})
}
