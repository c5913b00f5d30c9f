package crawler

import (
	"bytes"
	"net/http"
	"strings"
)

// ChallengeDetector recognizes bot-challenge interstitials so they can be
// reported as access blocks instead of layout errors.
type ChallengeDetector struct {
	keywords [][]byte
	headers  []string
}

// DefaultChallengeKeywords are markers served by common challenge pages.
var DefaultChallengeKeywords = []string{
	"cf-chl-",
	"challenge-platform",
	"<title>just a moment...</title>",
	"attention required! | cloudflare",
	"ddos-guard",
}

// NewChallengeDetector constructs a detector over the given body keywords.
func NewChallengeDetector(keywords []string) *ChallengeDetector {
	lowerKeywords := make([][]byte, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		lowerKeywords = append(lowerKeywords, bytes.ToLower([]byte(kw)))
	}
	return &ChallengeDetector{
		keywords: lowerKeywords,
		headers:  []string{"Cf-Mitigated"},
	}
}

// IsChallenge reports whether a response is a bot challenge.
func (d *ChallengeDetector) IsChallenge(status int, headers http.Header, body []byte) bool {
	if d == nil {
		return false
	}
	for _, h := range d.headers {
		if headers.Get(h) != "" {
			return true
		}
	}
	if status != http.StatusForbidden && status != http.StatusServiceUnavailable && status != http.StatusOK {
		return false
	}
	return d.containsKeywords(body)
}

func (d *ChallengeDetector) containsKeywords(body []byte) bool {
	if len(body) == 0 || len(d.keywords) == 0 {
		return false
	}
	lowerBody := bytes.ToLower(body)
	for _, kw := range d.keywords {
		if bytes.Contains(lowerBody, kw) {
			return true
		}
	}
	return false
}
