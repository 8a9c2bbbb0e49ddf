// Package advisory asks an optional forecasting service for an opinion when a
// signal candle forms. Answers are attached to the audit trail only; they
// never gate entries.
package advisory

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"options-core/internal/strategy"
	"options-core/pkg/logger"
)

// PredictMethod is the unary method invoked on the forecaster. Request and
// response are google.protobuf.Struct so no generated stubs are needed.
const PredictMethod = "/advisory.Forecaster/Predict"

type Config struct {
	Addr    string
	Timeout time.Duration // per call, default 500ms
}

// Client talks to the forecaster over gRPC.
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
	log     *zap.SugaredLogger
}

// Dial creates the client. The connection is established lazily, so an
// unreachable forecaster only shows up as failed Advise calls.
func Dial(cfg Config, opts ...grpc.DialOption) (*Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("advisory address is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 500 * time.Millisecond
	}
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(cfg.Addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("advisory dial %s: %w", cfg.Addr, err)
	}
	return &Client{conn: conn, timeout: cfg.Timeout, log: logger.Named("advisory")}, nil
}

func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Advise sends the signal candle and returns the forecaster's answer as a
// plain map.
func (c *Client) Advise(ctx context.Context, deploymentID string, sig strategy.SignalCandle) (map[string]any, error) {
	req, err := structpb.NewStruct(map[string]any{
		"deployment_id": deploymentID,
		"type":          string(sig.Type),
		"start":         sig.Start.UTC().Format(time.RFC3339),
		"high":          sig.High,
		"low":           sig.Low,
		"ema":           sig.EMA,
		"rsi":           sig.RSI,
		"sequence_id":   sig.SequenceID,
	})
	if err != nil {
		return nil, fmt.Errorf("advisory request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp := &structpb.Struct{}
	start := time.Now()
	if err := c.conn.Invoke(ctx, PredictMethod, req, resp); err != nil {
		return nil, fmt.Errorf("advisory predict: %w", err)
	}
	c.log.Debugw("forecast", "deployment", deploymentID, "signal", sig.SequenceID, "took", time.Since(start))
	return resp.AsMap(), nil
}
