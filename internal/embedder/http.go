package embedder

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"catalog-similarity-engine/internal/errs"
	"catalog-similarity-engine/internal/metrics"
	"catalog-similarity-engine/internal/types"
)

// HTTPConfig configures the feature-extractor client.
type HTTPConfig struct {
	Endpoint  string        `yaml:"endpoint"`
	APIKey    string        `yaml:"api_key"`
	Timeout   time.Duration `yaml:"timeout"`
	RPS       float64       `yaml:"rps"` // 0 disables client-side limiting
	Burst     int           `yaml:"burst"`
	Dimension int           `yaml:"-"`
}

// HTTPEmbedder posts the raw image to a feature-extractor service and reads
// back {"embedding": [...]}.
type HTTPEmbedder struct {
	cfg     HTTPConfig
	client  *http.Client
	limiter *rate.Limiter
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
	Model     string    `json:"model,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func NewHTTPEmbedder(cfg HTTPConfig) (*HTTPEmbedder, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("embedder: endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	e := &HTTPEmbedder{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}
	return e, nil
}

func (e *HTTPEmbedder) Embed(ctx context.Context, image []byte) (vec types.Vector, err error) {
	defer func() { metrics.RecordEmbed(err) }()

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, errs.Unavailable("embedder.embed", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Endpoint, bytes.NewReader(image))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", http.DetectContentType(image))
	req.Header.Set("Accept", "application/json")
	if e.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, errs.Unavailable("embedder.embed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, errs.Unavailable("embedder.embed", err)
	}
	if resp.StatusCode != http.StatusOK {
		var er errorResponse
		msg := string(body)
		if json.Unmarshal(body, &er) == nil && er.Error != "" {
			msg = er.Error
		}
		if len(msg) > 256 {
			msg = msg[:256]
		}
		return nil, errs.Unavailable("embedder.embed", fmt.Errorf("status %d: %s", resp.StatusCode, msg))
	}

	var out embedResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, errs.Unavailable("embedder.embed", fmt.Errorf("decode response: %w", err))
	}
	return types.Vector(out.Embedding), nil
}

func (e *HTTPEmbedder) Dimension() int { return e.cfg.Dimension }

var _ Embedder = (*HTTPEmbedder)(nil)
