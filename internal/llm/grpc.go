package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// ExecuteMethod is the full gRPC method name served by a remote model gateway.
// Requests and responses are google.protobuf.Struct messages.
const ExecuteMethod = "/chatflow.gateway.v1.ModelGateway/Execute"

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errGatewayUnhealthy         = errors.New("model gateway not serving")
)

// GRPCConfig holds configuration for the remote gateway client.
type GRPCConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGRPCConfig returns default configuration.
func DefaultGRPCConfig() GRPCConfig {
	return GRPCConfig{
		Address:          "localhost:50051",
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// GRPC is a Gateway that forwards requests to a remote model service.
type GRPC struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
	addr   string
	logger *slog.Logger
}

// NewGRPC connects to a remote model gateway and waits until the channel is ready.
func NewGRPC(cfg GRPCConfig, logger *slog.Logger, extra ...grpc.DialOption) (*GRPC, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultGRPCConfig()
	if cfg.Address == "" {
		cfg.Address = def.Address
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.KeepaliveTime <= 0 {
		cfg.KeepaliveTime = def.KeepaliveTime
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = def.KeepaliveTimeout
	}

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:    cfg.KeepaliveTime,
			Timeout: cfg.KeepaliveTimeout,
		}),
	}, extra...)

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to model gateway at %s: %w", cfg.Address, err)
	}

	// Fail fast on bad endpoints.
	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("model gateway at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to model gateway", "address", cfg.Address)
	return &GRPC{
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
		addr:   cfg.Address,
		logger: logger,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (g *GRPC) Close() {
	if g.conn != nil {
		if err := g.conn.Close(); err != nil {
			g.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Health checks the standard gRPC health service of the remote gateway.
func (g *GRPC) Health(ctx context.Context) error {
	resp, err := g.health.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: %s", errGatewayUnhealthy, resp.GetStatus())
	}
	return nil
}

// Execute implements Gateway.
func (g *GRPC) Execute(ctx context.Context, req Request) (*Response, error) {
	in, err := encodeRequest(req)
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, ExecuteMethod, in, out); err != nil {
		g.logger.Error("model gateway call failed", "error", err, "model", req.Model)
		return nil, fmt.Errorf("model gateway execute: %w", err)
	}
	return decodeResponse(out)
}

func encodeRequest(req Request) (*structpb.Struct, error) {
	messages := make([]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, map[string]any{"role": string(m.Role), "content": m.Content})
	}
	s, err := structpb.NewStruct(map[string]any{
		"provider":          req.Provider,
		"model":             req.Model,
		"prompt":            req.Prompt,
		"messages":          messages,
		"max_tokens":        float64(req.MaxTokens),
		"temperature":       req.Temperature,
		"frequency_penalty": req.FrequencyPenalty,
		"presence_penalty":  req.PresencePenalty,
	})
	if err != nil {
		return nil, fmt.Errorf("encode gateway request: %w", err)
	}
	return s, nil
}

func decodeResponse(s *structpb.Struct) (*Response, error) {
	fields := s.GetFields()
	if e := fields["error"].GetStringValue(); e != "" {
		return nil, fmt.Errorf("model gateway error: %s", e)
	}
	msg := fields["message"].GetStringValue()
	if msg == "" {
		return nil, errEmptyCompletion
	}
	return &Response{
		Message:          msg,
		PromptTokens:     int64(fields["prompt_tokens"].GetNumberValue()),
		CompletionTokens: int64(fields["completion_tokens"].GetNumberValue()),
	}, nil
}

var _ Gateway = (*GRPC)(nil)
