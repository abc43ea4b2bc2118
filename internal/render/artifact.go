package render

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

var ErrNoVideoURL = errors.New("artifact payload has no video URL")

var (
	videoURLField = regexp.MustCompile(`(?i)["']?video_?url["']?\s*[:=]\s*["']?(https?://[^"'\s,}\]]+)`)
	anyVideoURL   = regexp.MustCompile(`https?://[^"'\s,}\]]+\.(?:mp4|mov|webm|m4v)(?:\?[^"'\s,}\]]*)?`)
)

type artifactPayload struct {
	VideoURL  string `json:"videoUrl"`
	VideoURL2 string `json:"video_url"`
}

// ParseArtifact extracts the video URL from a render result payload. Payloads
// that are not valid JSON (truncated uploads, log-prefixed output) are
// scanned for a videoUrl field and then for any video URL.
func ParseArtifact(data []byte) (string, error) {
	var p artifactPayload
	if err := json.Unmarshal(data, &p); err == nil {
		if u := strings.TrimSpace(p.VideoURL); u != "" {
			return u, nil
		}
		if u := strings.TrimSpace(p.VideoURL2); u != "" {
			return u, nil
		}
	}

	if m := videoURLField.FindSubmatch(data); m != nil {
		return string(m[1]), nil
	}
	if m := anyVideoURL.Find(data); m != nil {
		return string(m), nil
	}
	return "", ErrNoVideoURL
}
