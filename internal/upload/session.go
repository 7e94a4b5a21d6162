package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"

	"github.com/bencyrus/testflight-uploader/internal/ascapi"
	"github.com/bencyrus/testflight-uploader/internal/auth"
	"github.com/bencyrus/testflight-uploader/internal/bundle"
	"github.com/bencyrus/testflight-uploader/internal/logger"
)

// ErrNoUploadOperations means the server advertised nothing to upload to.
var ErrNoUploadOperations = errors.New("App Store API returned no upload operations")

// ErrInvalidOperations means the advertised byte ranges do not exactly cover
// the file.
var ErrInvalidOperations = errors.New("upload operations do not cover the file")

type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Operation is one server-dictated chunk transfer.
type Operation struct {
	Method         string   `json:"method"`
	URL            string   `json:"url"`
	Offset         int64    `json:"offset"`
	Length         int64    `json:"length"`
	RequestHeaders []Header `json:"requestHeaders,omitempty"`
}

// Session is owned by one upload and discarded after completion.
type Session struct {
	ID         string
	Operations []Operation
}

// ChunkError aborts the whole upload. There is no per-chunk retry.
type ChunkError struct {
	Index      int
	Total      int
	StatusCode int
	Body       string
	Err        error
}

func (e *ChunkError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to upload build chunk %d/%d: %v", e.Index+1, e.Total, e.Err)
	}
	return fmt.Sprintf("failed to upload build chunk %d/%d (status %d): %s", e.Index+1, e.Total, e.StatusCode, e.Body)
}

func (e *ChunkError) Unwrap() error { return e.Err }

// CreateParams describes the binary a session is requested for.
type CreateParams struct {
	AppID    string
	Platform string
	FileName string
	FileSize int64
	Metadata bundle.Metadata
}

// Manager creates, transfers and completes the upload of one binary.
type Manager struct {
	api        *ascapi.Client
	creds      auth.Provider
	httpClient *http.Client
}

// NewManager uses httpClient for chunk transfers, which bypass the API origin.
func NewManager(api *ascapi.Client, creds auth.Provider, httpClient *http.Client) *Manager {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Manager{api: api, creds: creds, httpClient: httpClient}
}

// Upload transfers the binary at binaryPath and commits the session.
func (m *Manager) Upload(ctx context.Context, binaryPath, platform, appID string, md bundle.Metadata) (*Session, error) {
	data, err := os.ReadFile(binaryPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read binary: %w", err)
	}

	session, err := m.CreateSession(ctx, CreateParams{
		AppID:    appID,
		Platform: platform,
		FileName: filepath.Base(binaryPath),
		FileSize: int64(len(data)),
		Metadata: md,
	})
	if err != nil {
		return nil, err
	}
	logger.Info(ctx, "created build upload", logger.Fields{
		"upload_id":  session.ID,
		"operations": len(session.Operations),
	})

	if err := m.TransferChunks(ctx, session, data); err != nil {
		return nil, err
	}
	logger.Info(ctx, "finished uploading build chunks", logger.Fields{"upload_id": session.ID})

	if err := m.CompleteSession(ctx, session.ID); err != nil {
		return nil, err
	}
	logger.Info(ctx, "marked build upload as complete", logger.Fields{"upload_id": session.ID})

	return session, nil
}

// CreateSession requests upload operations for the binary.
func (m *Manager) CreateSession(ctx context.Context, p CreateParams) (*Session, error) {
	cred, err := m.creds.Credential(ctx)
	if err != nil {
		return nil, err
	}

	data := map[string]any{
		"type": "buildUploads",
		"attributes": map[string]any{
			"platform":                   p.Platform,
			"fileName":                   p.FileName,
			"fileSize":                   p.FileSize,
			"cfBundleShortVersionString": p.Metadata.ShortVersion,
			"cfBundleVersion":            p.Metadata.BuildNumber,
		},
	}
	if p.AppID != "" {
		data["relationships"] = map[string]any{
			"app": map[string]any{
				"data": map[string]any{"type": "apps", "id": p.AppID},
			},
		}
	}

	var resp struct {
		Data struct {
			ID         string `json:"id"`
			Attributes struct {
				UploadOperations []Operation `json:"uploadOperations"`
			} `json:"attributes"`
		} `json:"data"`
	}
	err = m.api.RequestJSON(ctx, cred, ascapi.Request{
		Method:       http.MethodPost,
		Path:         "/buildUploads",
		ErrorContext: "failed to create App Store build upload",
		Body:         map[string]any{"data": data},
	}, &resp)
	if err != nil {
		return nil, err
	}

	ops := resp.Data.Attributes.UploadOperations
	if len(ops) == 0 {
		return nil, ErrNoUploadOperations
	}
	return &Session{ID: resp.Data.ID, Operations: ops}, nil
}

// TransferChunks sends each operation's byte range, sequentially and in the
// order the server returned them. The first failure aborts the transfer.
func (m *Manager) TransferChunks(ctx context.Context, s *Session, data []byte) error {
	if len(s.Operations) == 0 {
		return ErrNoUploadOperations
	}
	if err := CheckCoverage(s.Operations, int64(len(data))); err != nil {
		return err
	}

	total := len(s.Operations)
	for i, op := range s.Operations {
		chunk := Slice(data, op)
		if err := m.sendChunk(ctx, op, chunk); err != nil {
			var chunkErr *ChunkError
			if errors.As(err, &chunkErr) {
				chunkErr.Index, chunkErr.Total = i, total
				return chunkErr
			}
			return &ChunkError{Index: i, Total: total, Err: err}
		}
		logger.Debug(ctx, "uploaded chunk", logger.Fields{
			"chunk": i + 1,
			"total": total,
			"bytes": len(chunk),
		})
	}
	return nil
}

func (m *Manager) sendChunk(ctx context.Context, op Operation, chunk []byte) error {
	req, err := http.NewRequestWithContext(ctx, op.Method, op.URL, bytes.NewReader(chunk))
	if err != nil {
		return err
	}
	for _, h := range op.RequestHeaders {
		req.Header.Set(h.Name, h.Value)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return &ChunkError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// CompleteSession commits the upload; processing starts after this call.
func (m *Manager) CompleteSession(ctx context.Context, uploadID string) error {
	cred, err := m.creds.Credential(ctx)
	if err != nil {
		return err
	}
	return m.api.RequestJSON(ctx, cred, ascapi.Request{
		Method:       http.MethodPost,
		Path:         "/buildUploads/" + url.PathEscape(uploadID) + "/complete",
		ErrorContext: "failed to finalize App Store build upload",
	}, nil)
}

// Slice returns the bytes op covers. The range must have been validated.
func Slice(data []byte, op Operation) []byte {
	return data[op.Offset : op.Offset+op.Length]
}

// CheckCoverage verifies that ops, taken as [offset, offset+length) ranges,
// cover [0, size) with no gap or overlap.
func CheckCoverage(ops []Operation, size int64) error {
	ranges := make([]Operation, len(ops))
	copy(ranges, ops)
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Offset < ranges[j].Offset })

	var next int64
	for _, op := range ranges {
		if op.Offset < 0 || op.Length <= 0 || op.Offset+op.Length > size {
			return fmt.Errorf("%w: range [%d, %d) outside file of %d bytes", ErrInvalidOperations, op.Offset, op.Offset+op.Length, size)
		}
		if op.Offset != next {
			return fmt.Errorf("%w: expected offset %d, got %d", ErrInvalidOperations, next, op.Offset)
		}
		next = op.Offset + op.Length
	}
	if next != size {
		return fmt.Errorf("%w: covered %d of %d bytes", ErrInvalidOperations, next, size)
	}
	return nil
}
