package orchestrator_test

import (
	"archive/zip"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"howett.net/plist"

	"github.com/bencyrus/testflight-uploader/internal/backend"
	"github.com/bencyrus/testflight-uploader/internal/config"
	"github.com/bencyrus/testflight-uploader/internal/keys"
	"github.com/bencyrus/testflight-uploader/internal/orchestrator"
	"github.com/bencyrus/testflight-uploader/internal/source"
)

func privateKeyPEM(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
}

func writeIPA(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "Example.ipa")
	f, err := os.Create(p)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	w, err := zw.Create("Payload/Example.app/Info.plist")
	require.NoError(t, err)
	data, err := plist.Marshal(map[string]string{
		"CFBundleIdentifier":         "com.example.app",
		"CFBundleVersion":            "42",
		"CFBundleShortVersionString": "2.0.0",
	}, plist.XMLFormat)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return p
}

// fakeConnect serves just enough of the App Store Connect API for one upload.
type fakeConnect struct {
	mu        sync.Mutex
	srv       *httptest.Server
	calls     []string
	states    []string
	size      int64
	chunks    int64
	whatsNew  string
	completed bool
}

func newFakeConnect(t *testing.T, size int64, states ...string) *fakeConnect {
	f := &fakeConnect{size: size, states: states}
	respond := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(v)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.calls = append(f.calls, r.Method+" "+r.URL.Path)
		f.mu.Unlock()
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") && !strings.HasPrefix(r.URL.Path, "/storage") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v1/apps":
			assert.Equal(t, "com.example.app", r.URL.Query().Get("filter[bundleId]"))
			respond(w, map[string]any{"data": []any{map[string]any{"id": "app-1"}}})

		case r.Method == http.MethodPost && r.URL.Path == "/v1/buildUploads":
			half := f.size / 2
			respond(w, map[string]any{"data": map[string]any{
				"id": "upload-1",
				"attributes": map[string]any{"uploadOperations": []any{
					map[string]any{"method": "PUT", "url": f.srv.URL + "/storage/0", "offset": 0, "length": half},
					map[string]any{"method": "PUT", "url": f.srv.URL + "/storage/1", "offset": half, "length": f.size - half},
				}},
			}})

		case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/storage/"):
			n, _ := io.Copy(io.Discard, r.Body)
			f.mu.Lock()
			f.chunks += n
			f.mu.Unlock()

		case r.Method == http.MethodPost && r.URL.Path == "/v1/buildUploads/upload-1/complete":
			f.mu.Lock()
			f.completed = true
			f.mu.Unlock()
			w.WriteHeader(http.StatusNoContent)

		case r.Method == http.MethodGet && r.URL.Path == "/v1/builds":
			q := r.URL.Query()
			assert.Equal(t, "42", q.Get("filter[version]"))
			assert.Equal(t, "IOS", q.Get("filter[preReleaseVersion.platform]"))
			if q.Get("filter[app]") != "" {
				respond(w, map[string]any{"data": []any{map[string]any{"id": "build-1"}}})
				return
			}
			f.mu.Lock()
			state := "VALID"
			if len(f.states) > 0 {
				state, f.states = f.states[0], f.states[1:]
			}
			f.mu.Unlock()
			if state == "" {
				respond(w, map[string]any{"data": []any{}})
				return
			}
			respond(w, map[string]any{"data": []any{map[string]any{
				"id":         "build-1",
				"attributes": map[string]any{"processingState": state},
			}}})

		case r.Method == http.MethodGet && r.URL.Path == "/v1/builds/build-1/betaBuildLocalizations":
			respond(w, map[string]any{"data": []any{map[string]any{"id": "loc-1"}}})

		case r.Method == http.MethodPatch && r.URL.Path == "/v1/betaBuildLocalizations/loc-1":
			var body struct {
				Data struct {
					Attributes struct {
						WhatsNew string `json:"whatsNew"`
					} `json:"attributes"`
				} `json:"data"`
			}
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			f.mu.Lock()
			f.whatsNew = body.Data.Attributes.WhatsNew
			f.mu.Unlock()
			respond(w, map[string]any{"data": map[string]any{"id": "loc-1"}})

		default:
			http.NotFound(w, r)
		}
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func testConfig(t *testing.T, baseURL, appPath string) config.Config {
	return config.Config{
		AppPath:              appPath,
		AppType:              "ios",
		Backend:              "appstore-api",
		IssuerID:             "issuer",
		APIKeyID:             "KEY123",
		APIPrivateKey:        privateKeyPEM(t),
		APIBaseURL:           baseURL + "/v1",
		TokenTTL:             10 * time.Minute,
		HTTPClientTimeout:    5 * time.Second,
		HTTPRetries:          0,
		HTTPRetryBaseDelay:   time.Millisecond,
		HTTPRetryFactor:      2,
		VisibilityAttempts:   3,
		VisibilityDelay:      time.Millisecond,
		ProcessingAttempts:   3,
		ProcessingDelay:      time.Millisecond,
		ReleaseNotesAttempts: 2,
		ReleaseNotesDelay:    time.Millisecond,
	}
}

func TestRun_AppStoreAPIUploadsWaitsAndSubmitsNotes(t *testing.T) {
	ipa := writeIPA(t)
	info, err := os.Stat(ipa)
	require.NoError(t, err)
	f := newFakeConnect(t, info.Size(), "", "PROCESSING", "VALID")

	cfg := testConfig(t, f.srv.URL, ipa)
	cfg.ReleaseNotes = "Bug fixes"
	o, err := orchestrator.New(cfg)
	require.NoError(t, err)

	res, err := o.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, backend.KindAppStoreAPI, res.Backend)
	assert.Equal(t, "upload-1", res.UploadID)
	require.NotNil(t, res.Metadata)
	assert.Equal(t, "42", res.Metadata.BuildNumber)
	assert.True(t, f.completed)
	assert.Equal(t, info.Size(), f.chunks)
	assert.Equal(t, "Bug fixes", f.whatsNew)
	assert.Contains(t, f.calls, "PATCH /v1/betaBuildLocalizations/loc-1")
}

func TestRun_SkipsNotesWhenBlank(t *testing.T) {
	ipa := writeIPA(t)
	info, err := os.Stat(ipa)
	require.NoError(t, err)
	f := newFakeConnect(t, info.Size())

	cfg := testConfig(t, f.srv.URL, ipa)
	cfg.ReleaseNotes = "   "
	cfg.SkipProcessingWait = true
	o, err := orchestrator.New(cfg)
	require.NoError(t, err)

	_, err = o.Run(context.Background())

	require.NoError(t, err)
	for _, call := range f.calls {
		assert.NotContains(t, call, "betaBuildLocalizations")
		assert.NotEqual(t, "GET /v1/builds", call)
	}
}

func TestRun_CommandBackendExtractsMetadataForNotes(t *testing.T) {
	ipa := writeIPA(t)
	f := newFakeConnect(t, 0)

	runner := &backend.MockRunner{}
	runner.On("Run", mock.Anything, "xcrun", mock.Anything).Return("ok", nil)

	cfg := testConfig(t, f.srv.URL, ipa)
	cfg.Backend = "altool"
	cfg.ReleaseNotes = "Notes"
	o, err := orchestrator.New(cfg,
		orchestrator.WithRunner(runner),
		orchestrator.WithKeyStore(&keys.Store{Dir: filepath.Join(t.TempDir(), "private_keys")}),
	)
	require.NoError(t, err)

	res, err := o.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, backend.KindAltool, res.Backend)
	assert.Equal(t, "Notes", f.whatsNew)
	runner.AssertExpectations(t)
}

func TestNew_RejectsBadInput(t *testing.T) {
	cfg := testConfig(t, "https://example.com", "App.ipa")
	cfg.Backend = "ftp"
	_, err := orchestrator.New(cfg)
	assert.Error(t, err)

	cfg = testConfig(t, "https://example.com", "App.ipa")
	cfg.APIPrivateKey = "not a key"
	_, err = orchestrator.New(cfg)
	assert.Error(t, err)
}

func TestRun_MissingBinary(t *testing.T) {
	cfg := testConfig(t, "https://example.com", filepath.Join(t.TempDir(), "missing.ipa"))
	o, err := orchestrator.New(cfg)
	require.NoError(t, err)

	_, err = o.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "binary not found")
}

func TestRun_DownloadsRemoteBinaryAndCleansUp(t *testing.T) {
	content := []byte("remote ipa")
	storage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/artifacts/builds/Remote.ipa", r.URL.Path)
		w.Header().Set("Content-Range", fmt.Sprintf("bytes 0-%d/%d", len(content)-1, len(content)))
		w.Header().Set("Content-Length", fmt.Sprint(len(content)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(content)
	}))
	defer storage.Close()

	var uploaded string
	runner := &backend.MockRunner{}
	runner.On("Run", mock.Anything, "xcrun", mock.MatchedBy(func(args []string) bool {
		return len(args) > 3 && args[0] == "altool" && args[2] == "--file"
	})).Run(func(call mock.Arguments) {
		uploaded = call.Get(2).([]string)[3]
		data, err := os.ReadFile(uploaded)
		assert.NoError(t, err)
		assert.Equal(t, content, data)
	}).Return("ok", nil)

	cfg := testConfig(t, "https://example.com", "s3://artifacts/builds/Remote.ipa")
	cfg.Backend = "altool"
	o, err := orchestrator.New(cfg,
		orchestrator.WithRunner(runner),
		orchestrator.WithKeyStore(&keys.Store{Dir: filepath.Join(t.TempDir(), "private_keys")}),
		orchestrator.WithResolver(&source.Resolver{S3: source.S3Config{
			Endpoint: "http://key:secret@" + storage.Listener.Addr().String(),
			Region:   "us-east-1",
		}}),
	)
	require.NoError(t, err)

	res, err := o.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, backend.KindAltool, res.Backend)
	assert.Equal(t, "Remote.ipa", filepath.Base(uploaded))
	runner.AssertExpectations(t)
	_, err = os.Stat(uploaded)
	assert.True(t, os.IsNotExist(err))
}
