package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/api/option"

	"github.com/bencyrus/testflight-uploader/internal/ascapi"
	"github.com/bencyrus/testflight-uploader/internal/auth"
	"github.com/bencyrus/testflight-uploader/internal/backend"
	"github.com/bencyrus/testflight-uploader/internal/bundle"
	"github.com/bencyrus/testflight-uploader/internal/config"
	"github.com/bencyrus/testflight-uploader/internal/keys"
	"github.com/bencyrus/testflight-uploader/internal/logger"
	"github.com/bencyrus/testflight-uploader/internal/middleware"
	"github.com/bencyrus/testflight-uploader/internal/processing"
	"github.com/bencyrus/testflight-uploader/internal/releasenotes"
	"github.com/bencyrus/testflight-uploader/internal/source"
	"github.com/bencyrus/testflight-uploader/internal/upload"
)

// Orchestrator runs one upload: resolve the binary, upload it with the
// configured backend, then attach release notes.
type Orchestrator struct {
	cfg      config.Config
	kind     backend.Kind
	resolver *source.Resolver
	registry *backend.Registry
	notes    *releasenotes.Submitter
	extract  backend.MetadataExtractor
}

type options struct {
	runner   backend.Runner
	keys     *keys.Store
	extract  backend.MetadataExtractor
	resolver *source.Resolver
}

type Option func(*options)

// WithRunner replaces the command runner of the command line backends.
func WithRunner(r backend.Runner) Option {
	return func(o *options) { o.runner = r }
}

// WithKeyStore replaces $HOME/private_keys.
func WithKeyStore(s *keys.Store) Option {
	return func(o *options) { o.keys = s }
}

// WithExtractor replaces bundle.Extract.
func WithExtractor(fn backend.MetadataExtractor) Option {
	return func(o *options) { o.extract = fn }
}

// WithResolver replaces the binary source resolver built from cfg.
func WithResolver(r *source.Resolver) Option {
	return func(o *options) { o.resolver = r }
}

// New validates cfg and wires every component. A malformed private key fails
// here, before any network call.
func New(cfg config.Config, opts ...Option) (*Orchestrator, error) {
	o := options{runner: backend.ExecRunner{}, extract: bundle.Extract}
	for _, opt := range opts {
		opt(&o)
	}

	kind, err := backend.ParseKind(cfg.Backend)
	if err != nil {
		return nil, err
	}

	if o.keys == nil && kind != backend.KindAppStoreAPI {
		store, err := keys.DefaultStore()
		if err != nil {
			return nil, err
		}
		o.keys = store
	}

	issuer, err := auth.NewIssuer(cfg.IssuerID, cfg.APIKeyID, cfg.APIPrivateKey, cfg.TokenTTL)
	if err != nil {
		return nil, err
	}
	creds := auth.NewSource(issuer, auth.DefaultRefreshThreshold)

	httpClient := &http.Client{
		Timeout:   cfg.HTTPClientTimeout,
		Transport: middleware.NewLoggingTransport(nil),
	}
	api, err := ascapi.NewClient(cfg.APIBaseURL,
		ascapi.WithHTTPClient(httpClient),
		ascapi.WithRetryPolicy(ascapi.RetryPolicy{
			Retries:   cfg.HTTPRetries,
			BaseDelay: cfg.HTTPRetryBaseDelay,
			Factor:    cfg.HTTPRetryFactor,
		}),
	)
	if err != nil {
		return nil, err
	}

	watcher := processing.NewWatcher(api, creds,
		processing.Phase{Attempts: cfg.VisibilityAttempts, Delay: cfg.VisibilityDelay},
		processing.Phase{Attempts: cfg.ProcessingAttempts, Delay: cfg.ProcessingDelay},
	)
	uploads := upload.NewManager(api, creds, httpClient)

	registry := backend.NewRegistry(
		backend.NewAppStoreAPI(api, creds, uploads, watcher, o.extract, cfg.SkipProcessingWait),
		backend.NewTransporter(o.runner, o.keys),
		backend.NewAltool(o.runner, o.keys),
	)

	resolver := o.resolver
	if resolver == nil {
		resolver = &source.Resolver{S3: source.S3Config(cfg.S3)}
		if cfg.GCSCredentialsFile != "" {
			resolver.GCSOptions = append(resolver.GCSOptions, option.WithCredentialsFile(cfg.GCSCredentialsFile))
		}
	}

	return &Orchestrator{
		cfg:      cfg,
		kind:     kind,
		resolver: resolver,
		registry: registry,
		notes:    releasenotes.NewSubmitter(api, creds, cfg.ReleaseNotesAttempts, cfg.ReleaseNotesDelay),
		extract:  o.extract,
	}, nil
}

// Run performs the upload. Every log entry of the run carries a fresh run id.
func (o *Orchestrator) Run(ctx context.Context) (*backend.Result, error) {
	ctx = logger.WithRequestID(ctx, uuid.NewString())

	uploader, err := o.registry.Get(o.kind)
	if err != nil {
		return nil, err
	}

	appPath, cleanup, err := o.resolver.Resolve(ctx, o.cfg.AppPath)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	logger.Info(ctx, "starting upload", logger.Fields{
		"backend":  string(o.kind),
		"app_path": appPath,
		"app_type": o.cfg.AppType,
	})

	result, err := uploader.Upload(ctx, backend.Params{
		AppPath:       appPath,
		AppType:       o.cfg.AppType,
		IssuerID:      o.cfg.IssuerID,
		APIKeyID:      o.cfg.APIKeyID,
		APIPrivateKey: o.cfg.APIPrivateKey,
	})
	if err != nil {
		return nil, fmt.Errorf("%s upload failed: %w", o.kind, err)
	}
	logger.Info(ctx, "upload finished", logger.Fields{
		"backend":   string(result.Backend),
		"upload_id": result.UploadID,
	})

	if strings.TrimSpace(o.cfg.ReleaseNotes) == "" {
		logger.Info(ctx, "no release note provided, skipping TestFlight metadata update")
		return result, nil
	}

	md := result.Metadata
	if md == nil {
		extracted, err := o.extract(appPath)
		if err != nil {
			return nil, fmt.Errorf("failed to extract app metadata: %w", err)
		}
		md = &extracted
	}
	if err := o.notes.Submit(ctx, o.cfg.ReleaseNotes, *md, ascapi.BuildPlatform(o.cfg.AppType)); err != nil {
		return nil, fmt.Errorf("release notes update failed: %w", err)
	}
	return result, nil
}
