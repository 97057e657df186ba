package detection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"visionguard/internal/camera"
	"visionguard/internal/pipeline"
)

// GRPCAnalyzer calls a remote analysis service over gRPC
type GRPCAnalyzer struct {
	endpoint string
	conn     *grpc.ClientConn
	health   healthpb.HealthClient
	logger   *zap.Logger

	healthMu   sync.Mutex
	healthy    bool
	lastHealth time.Time
}

var (
	_ pipeline.Analyzer      = (*GRPCAnalyzer)(nil)
	_ pipeline.HealthChecker = (*GRPCAnalyzer)(nil)
	_ pipeline.Closer        = (*GRPCAnalyzer)(nil)
)

// NewGRPCAnalyzer prepares a client for endpoint. The connection is
// established lazily on the first call.
func NewGRPCAnalyzer(endpoint string, logger *zap.Logger, opts ...grpc.DialOption) (*GRPCAnalyzer, error) {
	// Configure keepalive to detect dead connections quickly
	kacp := keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, opts...)

	conn, err := grpc.NewClient(endpoint, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create analysis client: %w", err)
	}

	logger = logger.Named("grpc-analyzer")
	logger.Info("Analysis client configured", zap.String("endpoint", endpoint))

	return &GRPCAnalyzer{
		endpoint: endpoint,
		conn:     conn,
		health:   healthpb.NewHealthClient(conn),
		logger:   logger,
	}, nil
}

func (g *GRPCAnalyzer) Name() string { return KindGRPC }

// IsHealthy asks the standard health service, caching a good answer for 30 seconds
func (g *GRPCAnalyzer) IsHealthy(ctx context.Context) bool {
	g.healthMu.Lock()
	if g.healthy && time.Since(g.lastHealth) < healthCacheTTL {
		g.healthMu.Unlock()
		return true
	}
	g.healthMu.Unlock()

	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := g.health.Check(hctx, &healthpb.HealthCheckRequest{Service: AnalysisServiceName})
	healthy := err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	if err != nil {
		g.logger.Warn("Health check failed", zap.Error(err))
	}

	g.healthMu.Lock()
	defer g.healthMu.Unlock()
	g.healthy = healthy
	if healthy {
		g.lastHealth = time.Now()
	}
	return healthy
}

// Analyze sends the frame as a Struct document and parses the answer
func (g *GRPCAnalyzer) Analyze(ctx context.Context, frame *camera.Frame, src camera.Source) (*pipeline.Analysis, error) {
	payload, err := buildRequest(frame, src)
	if err != nil {
		return nil, err
	}
	req, err := structpb.NewStruct(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp := new(structpb.Struct)
	if err := g.conn.Invoke(ctx, analyzeMethod, req, resp); err != nil {
		g.healthMu.Lock()
		g.healthy = false
		g.healthMu.Unlock()
		return nil, err
	}

	analysis, err := parseAnalysis(resp.AsMap())
	if err != nil {
		return nil, err
	}
	analysis.Analyzer = g.Name()
	return analysis, nil
}

// Close closes the client connection
func (g *GRPCAnalyzer) Close() error {
	if g.conn != nil {
		return g.conn.Close()
	}
	return nil
}
