package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"visionguard/internal/camera"
	"visionguard/internal/pipeline"
)

const healthCacheTTL = 30 * time.Second

// HTTPAnalyzer posts frames to a JSON analysis endpoint
type HTTPAnalyzer struct {
	endpoint string
	client   *http.Client
	logger   *zap.Logger

	mu          sync.Mutex
	healthy     bool
	healthCheck time.Time
}

var (
	_ pipeline.Analyzer      = (*HTTPAnalyzer)(nil)
	_ pipeline.HealthChecker = (*HTTPAnalyzer)(nil)
)

// NewHTTPAnalyzer creates an analyzer for endpoint (e.g. http://analysis:8000)
func NewHTTPAnalyzer(endpoint string, timeout time.Duration, logger *zap.Logger) *HTTPAnalyzer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPAnalyzer{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.Named("http-analyzer"),
	}
}

func (a *HTTPAnalyzer) Name() string { return KindHTTP }

// IsHealthy checks GET /health, caching a good answer for 30 seconds
func (a *HTTPAnalyzer) IsHealthy(ctx context.Context) bool {
	a.mu.Lock()
	if a.healthy && time.Since(a.healthCheck) < healthCacheTTL {
		a.mu.Unlock()
		return true
	}
	a.mu.Unlock()

	healthy := a.probe(ctx)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.healthy = healthy
	if healthy {
		a.healthCheck = time.Now()
	}
	return healthy
}

func (a *HTTPAnalyzer) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.endpoint+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := a.client.Do(req)
	if err != nil {
		a.logger.Warn("Analysis service health check failed", zap.Error(err))
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		a.logger.Warn("Analysis service health check returned non-OK", zap.Int("status", resp.StatusCode))
		return false
	}
	return true
}

// Analyze posts the frame to /analyze and decodes the JSON answer
func (a *HTTPAnalyzer) Analyze(ctx context.Context, frame *camera.Frame, src camera.Source) (*pipeline.Analysis, error) {
	payload, err := buildRequest(frame, src)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint+"/analyze", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		a.markUnhealthy()
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("analysis failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode analysis: %w", err)
	}
	analysis, err := parseAnalysis(result)
	if err != nil {
		return nil, err
	}
	analysis.Analyzer = a.Name()
	return analysis, nil
}

func (a *HTTPAnalyzer) markUnhealthy() {
	a.mu.Lock()
	a.healthy = false
	a.mu.Unlock()
}
