package bundle

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"howett.net/plist"
)

// Metadata identifies a build. It is read once per run from the binary.
type Metadata struct {
	BundleID     string
	BuildNumber  string
	ShortVersion string
}

var ErrAppBundleNotFound = errors.New("unable to locate *.app bundle inside payload")

type infoPlist struct {
	BundleID     string `plist:"CFBundleIdentifier"`
	BuildNumber  string `plist:"CFBundleVersion"`
	ShortVersion string `plist:"CFBundleShortVersionString"`
}

// Extract reads Payload/<name>.app/Info.plist from the .ipa at ipaPath.
func Extract(ipaPath string) (Metadata, error) {
	r, err := zip.OpenReader(ipaPath)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to open %s: %w", ipaPath, err)
	}
	defer r.Close()

	for _, f := range r.File {
		if !isTopLevelInfoPlist(f.Name) {
			continue
		}
		data, err := readEntry(f)
		if err != nil {
			return Metadata{}, err
		}
		return parseInfoPlist(data)
	}
	return Metadata{}, ErrAppBundleNotFound
}

// isTopLevelInfoPlist matches Payload/X.app/Info.plist but not plists of
// nested frameworks or extensions.
func isTopLevelInfoPlist(name string) bool {
	if path.Base(name) != "Info.plist" {
		return false
	}
	appDir := path.Dir(name)
	return strings.HasSuffix(appDir, ".app") && path.Dir(appDir) == "Payload"
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", f.Name, err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func parseInfoPlist(data []byte) (Metadata, error) {
	var info infoPlist
	if _, err := plist.Unmarshal(data, &info); err != nil {
		return Metadata{}, fmt.Errorf("failed to decode Info.plist: %w", err)
	}
	if info.BundleID == "" || info.BuildNumber == "" || info.ShortVersion == "" {
		return Metadata{}, errors.New("Info.plist missing CFBundleIdentifier, CFBundleVersion, or CFBundleShortVersionString")
	}
	return Metadata{
		BundleID:     info.BundleID,
		BuildNumber:  info.BuildNumber,
		ShortVersion: info.ShortVersion,
	}, nil
}
