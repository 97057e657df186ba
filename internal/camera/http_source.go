package camera

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

const maxSnapshotBytes = 16 << 20

// HTTPSource polls a still-image endpoint (JPEG or PNG snapshots)
type HTTPSource struct {
	sourceID string
	url      string
	client   *http.Client

	mu        sync.Mutex
	connected bool
	seq       uint64
}

var _ FrameSource = (*HTTPSource)(nil)

// NewHTTPSource creates a snapshot poller. A nil client gets a default one.
func NewHTTPSource(sourceID, url string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSource{sourceID: sourceID, url: url, client: client}
}

// Connect fetches one snapshot to verify the endpoint answers
func (s *HTTPSource) Connect(ctx context.Context) error {
	if _, err := s.fetch(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrConnect, err)
	}
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	return nil
}

func (s *HTTPSource) Disconnect() error {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	s.client.CloseIdleConnections()
	return nil
}

func (s *HTTPSource) ReadFrame(ctx context.Context) (*Frame, error) {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return nil, ErrNotConnected
	}
	seq := s.seq
	s.seq++
	s.mu.Unlock()

	data, err := s.fetch(ctx)
	if err != nil {
		return nil, err
	}
	frame, err := DecodeFrame(s.sourceID, seq, data, time.Now())
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrRead, err)
	}
	return frame, nil
}

func (s *HTTPSource) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRead, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrRead, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrRead, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSnapshotBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRead, err)
	}
	return data, nil
}
