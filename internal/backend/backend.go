package backend

import (
	"context"
	"fmt"
	"strings"

	"github.com/bencyrus/testflight-uploader/internal/bundle"
)

// Kind is the closed set of upload backends.
type Kind string

const (
	KindAppStoreAPI Kind = "appstore-api"
	KindTransporter Kind = "transporter"
	KindAltool      Kind = "altool"
)

// ParseKind normalizes a user supplied backend name and rejects unknown ones.
func ParseKind(value string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "appstore-api", "appstoreapi":
		return KindAppStoreAPI, nil
	case "transporter":
		return KindTransporter, nil
	case "altool":
		return KindAltool, nil
	}
	return "", fmt.Errorf("invalid backend %q: allowed values: appstore-api | transporter | altool", value)
}

// Params are the inputs shared by every backend.
type Params struct {
	AppPath       string
	AppType       string
	IssuerID      string
	APIKeyID      string
	APIPrivateKey string
}

type Result struct {
	Backend Kind
	// UploadID and Metadata are set by the API backend only.
	UploadID string
	Metadata *bundle.Metadata
	// Log is the captured tool output of the command line backends.
	Log string
}

// Uploader is the contract every backend variant implements.
type Uploader interface {
	Kind() Kind
	Upload(ctx context.Context, params Params) (*Result, error)
}

// Registry routes a Kind to its Uploader.
type Registry struct {
	uploaders map[Kind]Uploader
}

func NewRegistry(uploaders ...Uploader) *Registry {
	r := &Registry{uploaders: map[Kind]Uploader{}}
	for _, u := range uploaders {
		r.Register(u)
	}
	return r
}

func (r *Registry) Register(u Uploader) {
	r.uploaders[u.Kind()] = u
}

func (r *Registry) Get(kind Kind) (Uploader, error) {
	u, ok := r.uploaders[kind]
	if !ok {
		return nil, fmt.Errorf("no uploader registered for backend: %s", kind)
	}
	return u, nil
}
