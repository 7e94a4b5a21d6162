package ascapi

import "strings"

// BuildPlatform maps an app type to the platform name the API filters on.
// Unknown values fall back to IOS.
func BuildPlatform(appType string) string {
	switch strings.ToLower(strings.TrimSpace(appType)) {
	case "macos":
		return "MAC_OS"
	case "appletvos":
		return "TV_OS"
	case "visionos":
		return "VISION_OS"
	default:
		return "IOS"
	}
}
