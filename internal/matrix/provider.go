package matrix

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nemt-routing/dispatch-optimizer/internal/domain"
)

// Provider fetches a traffic-aware time/distance matrix from the external
// Distance Matrix service. Its wire format is not specified; HTTPProvider
// implements the common row/element shape those services share.
type Provider interface {
	FetchMatrix(ctx context.Context, origins []domain.Coordinate, departure time.Time) (*domain.Matrix, error)
}

// HTTPProvider is a Provider backed by an HTTP distance-matrix endpoint
// (driving mode, best_guess traffic model, departure_time query param).
// Logging is done through zap rather than the service's own slog-based
// logger; cmd/server passes the same zap logger to the resolver and to the
// ingest, live and audit packages.
type HTTPProvider struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// NewHTTPProvider builds a provider against baseURL (e.g. a distance-matrix
// API host) using apiKey as the credential. A nil *zap.Logger falls back to
// a no-op logger so callers that don't care about verbose traces still work.
func NewHTTPProvider(baseURL, apiKey string, client *http.Client, logger *zap.Logger) *HTTPProvider {
	if client == nil {
		client = &http.Client{Timeout: 8 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPProvider{BaseURL: baseURL, APIKey: apiKey, HTTPClient: client, Logger: logger}
}

type providerResponse struct {
	Status string `json:"status"`
	Rows   []struct {
		Elements []struct {
			Status          string `json:"status"`
			Duration        struct{ Value int `json:"value"` } `json:"duration"`
			DurationInTraffic struct{ Value int `json:"value"` } `json:"duration_in_traffic"`
			Distance        struct{ Value int `json:"value"` } `json:"distance"`
		} `json:"elements"`
	} `json:"rows"`
}

// FetchMatrix issues a single driving, best_guess-traffic distance-matrix
// request with origins and destinations both set to coords, and converts
// the provider's row/element grid into a domain.Matrix. Elements whose
// status isn't OK are filled with domain.UnreachableSentinel.
func (p *HTTPProvider) FetchMatrix(ctx context.Context, coords []domain.Coordinate, departure time.Time) (*domain.Matrix, error) {
	n := len(coords)
	pts := make([]string, n)
	for i, c := range coords {
		pts[i] = fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lng)
	}
	joined := strings.Join(pts, "|")

	q := url.Values{}
	q.Set("origins", joined)
	q.Set("destinations", joined)
	q.Set("mode", "driving")
	q.Set("traffic_model", "best_guess")
	q.Set("departure_time", strconv.FormatInt(departure.Unix(), 10))
	q.Set("key", p.APIKey)

	reqURL := p.BaseURL + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("matrix: building provider request: %w", err)
	}

	start := time.Now()
	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		p.Logger.Warn("distance matrix provider request failed", zap.Error(err))
		return nil, fmt.Errorf("matrix: provider request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		p.Logger.Warn("distance matrix provider returned non-200", zap.Int("status", resp.StatusCode))
		return nil, fmt.Errorf("matrix: provider returned status %d", resp.StatusCode)
	}

	var parsed providerResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("matrix: decoding provider response: %w", err)
	}
	if parsed.Status != "OK" {
		return nil, fmt.Errorf("matrix: provider status %q", parsed.Status)
	}
	if len(parsed.Rows) != n {
		return nil, fmt.Errorf("matrix: provider returned %d rows, want %d", len(parsed.Rows), n)
	}

	m := domain.NewMatrix(n)
	for i, row := range parsed.Rows {
		if len(row.Elements) != n {
			return nil, fmt.Errorf("matrix: provider row %d has %d elements, want %d", i, len(row.Elements), n)
		}
		for j, el := range row.Elements {
			if i == j {
				continue
			}
			if el.Status != "OK" {
				m.Seconds[i][j] = domain.UnreachableSentinel
				m.Metres[i][j] = domain.UnreachableSentinel
				continue
			}
			seconds := el.Duration.Value
			if el.DurationInTraffic.Value > 0 {
				seconds = el.DurationInTraffic.Value
			}
			m.Seconds[i][j] = seconds
			m.Metres[i][j] = el.Distance.Value
		}
	}

	p.Logger.Debug("fetched distance matrix", zap.Int("n", n), zap.Duration("latency", time.Since(start)))
	return m, nil
}
