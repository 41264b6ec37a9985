package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Tagger labels an image. Production wires the in-house vision service;
// development falls back to BuiltinTagger.
type Tagger interface {
	Tags(ctx context.Context, assetID string, img []byte) ([]string, error)
}

// UsageScanner answers which content still references an asset.
type UsageScanner interface {
	Usages(ctx context.Context, assetID string) ([]Usage, error)
}

// Usage is one content reference to an asset.
type Usage struct {
	ContentID string `json:"content_id"`
	Field     string `json:"field"`
}

// HTTPTagger calls the vision service's JSON API.
type HTTPTagger struct {
	baseURL string
	client  *http.Client
}

// NewHTTPTagger builds a tagger client. A nil client gets a 30s timeout.
func NewHTTPTagger(baseURL string, client *http.Client) *HTTPTagger {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPTagger{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type tagRequest struct {
	AssetID string `json:"asset_id"`
	Image   []byte `json:"image"` // base64 via encoding/json
}

type tagResponse struct {
	Tags []string `json:"tags"`
}

func (t *HTTPTagger) Tags(ctx context.Context, assetID string, img []byte) ([]string, error) {
	body, err := json.Marshal(tagRequest{AssetID: assetID, Image: img})
	if err != nil {
		return nil, fmt.Errorf("marshal tag request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/v1/tags", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build tag request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call tagger: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("tagger: unexpected status %d", resp.StatusCode)
	}

	var out tagResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode tagger response: %w", err)
	}
	return out.Tags, nil
}

// HTTPUsageScanner queries the CMS usage index.
type HTTPUsageScanner struct {
	baseURL string
	client  *http.Client
}

// NewHTTPUsageScanner builds a scanner client. A nil client gets a 30s
// timeout.
func NewHTTPUsageScanner(baseURL string, client *http.Client) *HTTPUsageScanner {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPUsageScanner{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type usageResponse struct {
	Usages []Usage `json:"usages"`
}

func (s *HTTPUsageScanner) Usages(ctx context.Context, assetID string) ([]Usage, error) {
	endpoint := s.baseURL + "/v1/usages?asset_id=" + url.QueryEscape(assetID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build usage request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call usage scanner: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("usage scanner: unexpected status %d", resp.StatusCode)
	}

	var out usageResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode usage response: %w", err)
	}
	return out.Usages, nil
}

// BuiltinTagger derives coarse geometry tags locally; it stands in for the
// vision service where none is configured.
type BuiltinTagger struct{}

func (BuiltinTagger) Tags(_ context.Context, _ string, img []byte) ([]string, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(img))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	orientation := "square"
	switch {
	case cfg.Width > cfg.Height:
		orientation = "landscape"
	case cfg.Width < cfg.Height:
		orientation = "portrait"
	}
	return []string{orientation, format}, nil
}

// NoUsages is the development stand-in for the usage scanner: it reports
// every asset as unreferenced.
type NoUsages struct{}

func (NoUsages) Usages(context.Context, string) ([]Usage, error) { return nil, nil }

var (
	_ Tagger       = (*HTTPTagger)(nil)
	_ Tagger       = BuiltinTagger{}
	_ UsageScanner = (*HTTPUsageScanner)(nil)
	_ UsageScanner = NoUsages{}
)
