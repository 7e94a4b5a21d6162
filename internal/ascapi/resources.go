package ascapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/bencyrus/testflight-uploader/internal/auth"
)

// MaxWhatsNewLength is the server-side limit on beta release notes.
const MaxWhatsNewLength = 4000

type resource[A any] struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Attributes A      `json:"attributes"`
}

type listResponse[A any] struct {
	Data []resource[A] `json:"data"`
}

type buildAttributes struct {
	Version         string `json:"version"`
	ProcessingState string `json:"processingState"`
}

// BuildFilter selects builds by bundle id or app id, build number and platform.
type BuildFilter struct {
	BundleID string
	AppID    string
	Version  string
	Platform string
}

func (f BuildFilter) query() url.Values {
	q := url.Values{}
	if f.BundleID != "" {
		q.Set("filter[bundleId]", f.BundleID)
	}
	if f.AppID != "" {
		q.Set("filter[app]", f.AppID)
	}
	q.Set("filter[version]", f.Version)
	q.Set("filter[preReleaseVersion.platform]", f.Platform)
	return q
}

// LookupAppID resolves the app id for bundleID. A missing app is an error.
func (c *Client) LookupAppID(ctx context.Context, cred auth.Credential, bundleID string) (string, error) {
	q := url.Values{}
	q.Set("filter[bundleId]", bundleID)

	var resp listResponse[struct{}]
	err := c.RequestJSON(ctx, cred, Request{
		Path:         "/apps?" + q.Encode(),
		ErrorContext: "failed to locate App Store Connect application",
	}, &resp)
	if err != nil {
		return "", err
	}
	if len(resp.Data) == 0 || resp.Data[0].ID == "" {
		return "", fmt.Errorf("unable to find App Store Connect app for bundle id %s", bundleID)
	}
	return resp.Data[0].ID, nil
}

// BuildProcessingState returns the processing state of the first build that
// matches f, or "" when no build matches yet.
func (c *Client) BuildProcessingState(ctx context.Context, cred auth.Credential, f BuildFilter) (string, error) {
	var resp listResponse[buildAttributes]
	err := c.RequestJSON(ctx, cred, Request{
		Path:         "/builds?" + f.query().Encode(),
		ErrorContext: "failed to query builds for processing state",
	}, &resp)
	if err != nil {
		return "", err
	}
	if len(resp.Data) == 0 {
		return "", nil
	}
	return resp.Data[0].Attributes.ProcessingState, nil
}

// FindBuildID returns the id of the first build that matches f, or "".
func (c *Client) FindBuildID(ctx context.Context, cred auth.Credential, f BuildFilter) (string, error) {
	var resp listResponse[buildAttributes]
	err := c.RequestJSON(ctx, cred, Request{
		Path:         "/builds?" + f.query().Encode(),
		ErrorContext: "failed to query builds for release note update",
	}, &resp)
	if err != nil {
		return "", err
	}
	if len(resp.Data) == 0 {
		return "", nil
	}
	return resp.Data[0].ID, nil
}

// FindLocalizationID returns the id of the first beta build localization of
// buildID, or "" while none exists.
func (c *Client) FindLocalizationID(ctx context.Context, cred auth.Credential, buildID string) (string, error) {
	var resp listResponse[struct {
		Locale   string `json:"locale"`
		WhatsNew string `json:"whatsNew"`
	}]
	err := c.RequestJSON(ctx, cred, Request{
		Path:         "/builds/" + url.PathEscape(buildID) + "/betaBuildLocalizations",
		ErrorContext: "failed to query beta build localizations",
	}, &resp)
	if err != nil {
		return "", err
	}
	if len(resp.Data) == 0 {
		return "", nil
	}
	return resp.Data[0].ID, nil
}

// UpdateWhatsNew patches the release notes of a beta build localization. The
// text is truncated to MaxWhatsNewLength characters.
func (c *Client) UpdateWhatsNew(ctx context.Context, cred auth.Credential, localizationID, text string) error {
	payload := map[string]any{
		"data": map[string]any{
			"id":   localizationID,
			"type": "betaBuildLocalizations",
			"attributes": map[string]any{
				"whatsNew": Truncate(text, MaxWhatsNewLength),
			},
		},
	}
	return c.RequestJSON(ctx, cred, Request{
		Method:       http.MethodPatch,
		Path:         "/betaBuildLocalizations/" + url.PathEscape(localizationID),
		ErrorContext: "failed to update TestFlight release note",
		Body:         payload,
	}, nil)
}

// Truncate returns the first n characters of s.
func Truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
