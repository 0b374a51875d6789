package security

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Verifier answers whether a token was created by the automated platform.
type Verifier interface {
	Exists(ctx context.Context, address string) (bool, error)
}

// HTTPVerifier asks the relay endpoint GET {base}/verify?address=<addr>,
// which replies {"exists": bool}.
type HTTPVerifier struct {
	base string
	http *http.Client
}

func NewHTTPVerifier(base string, timeout time.Duration) *HTTPVerifier {
	return &HTTPVerifier{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

type verifyResponse struct {
	Exists bool `json:"exists"`
}

func (v *HTTPVerifier) Exists(ctx context.Context, address string) (bool, error) {
	u := v.base + "/verify?address=" + url.QueryEscape(address)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, err
	}
	resp, err := v.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("verify %s: %w", address, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return false, fmt.Errorf("verify %s: unexpected status %s", address, resp.Status)
	}

	var body verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("verify %s: decode: %w", address, err)
	}
	return body.Exists, nil
}
