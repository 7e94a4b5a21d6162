package processing

import (
	"context"
	"fmt"
	"time"

	"github.com/bencyrus/testflight-uploader/internal/ascapi"
	"github.com/bencyrus/testflight-uploader/internal/auth"
	"github.com/bencyrus/testflight-uploader/internal/logger"
	"github.com/bencyrus/testflight-uploader/internal/poll"
)

// State is the server-reported processing state of a build. The empty value
// means the build is not queryable yet.
type State string

const (
	StateAbsent     State = ""
	StateProcessing State = "PROCESSING"
	StateValid      State = "VALID"
)

// Phase is one poll budget.
type Phase struct {
	Attempts int
	Delay    time.Duration
}

var (
	DefaultVisibility = Phase{Attempts: 10, Delay: 10 * time.Second}
	DefaultProcessing = Phase{Attempts: 20, Delay: 30 * time.Second}
)

// Watcher waits for an uploaded build to become visible and then VALID.
type Watcher struct {
	api        *ascapi.Client
	creds      auth.Provider
	visibility Phase
	processing Phase
}

func NewWatcher(api *ascapi.Client, creds auth.Provider, visibility, processing Phase) *Watcher {
	return &Watcher{api: api, creds: creds, visibility: visibility, processing: processing}
}

// Wait blocks until the build matching bundleID, buildNumber and platform is
// VALID. Other terminal states are not recognized and end in a poll timeout.
func (w *Watcher) Wait(ctx context.Context, bundleID, buildNumber, platform string) error {
	filter := ascapi.BuildFilter{BundleID: bundleID, Version: buildNumber, Platform: platform}

	_, err := poll.Until(ctx, w.lookup(filter), func(s State) bool {
		return s == StateProcessing || s == StateValid
	}, poll.Options{
		Attempts: w.visibility.Attempts,
		Delay:    w.visibility.Delay,
		Resource: fmt.Sprintf("build %s to appear in App Store Connect", buildNumber),
		OnRetry: func(attempt int) {
			logger.Warn(ctx, "waiting for build to appear in App Store Connect", logger.Fields{
				"build_number": buildNumber,
				"attempt":      attempt + 1,
				"max_attempts": w.visibility.Attempts,
			})
		},
	})
	if err != nil {
		return err
	}

	_, err = poll.Until(ctx, w.lookup(filter), func(s State) bool {
		return s == StateValid
	}, poll.Options{
		Attempts: w.processing.Attempts,
		Delay:    w.processing.Delay,
		Resource: fmt.Sprintf("build %s processing to become VALID", buildNumber),
		OnRetry: func(attempt int) {
			logger.Warn(ctx, "build processing pending", logger.Fields{
				"build_number": buildNumber,
				"attempt":      attempt + 1,
				"max_attempts": w.processing.Attempts,
			})
		},
	})
	if err != nil {
		return err
	}

	logger.Info(ctx, "build processing is VALID", logger.Fields{"build_number": buildNumber})
	return nil
}

func (w *Watcher) lookup(filter ascapi.BuildFilter) func(context.Context) (State, error) {
	return func(ctx context.Context) (State, error) {
		cred, err := w.creds.Credential(ctx)
		if err != nil {
			return StateAbsent, err
		}
		state, err := w.api.BuildProcessingState(ctx, cred, filter)
		if err != nil {
			return StateAbsent, err
		}
		if state != "" {
			logger.Debug(ctx, "build processing state", logger.Fields{"state": state})
		}
		return State(state), nil
	}
}
