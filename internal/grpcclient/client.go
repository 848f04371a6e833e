// Package grpcclient talks to a remote voice-activity scoring service.
package grpcclient

import (
	"context"
	"encoding/binary"
	"math"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	apperrors "github.com/dtpsim/voicestage/internal/errors"
	"github.com/dtpsim/voicestage/internal/resilience"
	"github.com/dtpsim/voicestage/internal/trace"
)

const (
	ServiceName = "voicestage.vad.v1.VAD"

	scoreMethod = "/" + ServiceName + "/Score"
	resetMethod = "/" + ServiceName + "/Reset"

	// SampleRateKey carries the PCM rate of a Score request.
	SampleRateKey = "x-sample-rate"

	DefaultKeepaliveTime    = 10 * time.Second
	DefaultKeepaliveTimeout = 3 * time.Second
	DefaultCallTimeout      = 500 * time.Millisecond
)

// Config holds connection settings.
type Config struct {
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	CallTimeout      time.Duration
	Breaker          resilience.BreakerConfig
}

func DefaultConfig() Config {
	return Config{
		KeepaliveTime:    DefaultKeepaliveTime,
		KeepaliveTimeout: DefaultKeepaliveTimeout,
		CallTimeout:      DefaultCallTimeout,
		Breaker:          resilience.BreakerConfig{Name: "vad", Threshold: 5, ResetTimeout: 5 * time.Second},
	}
}

// Client scores PCM windows against the remote VAD model.
type Client struct {
	conn    *grpc.ClientConn
	cfg     Config
	breaker *resilience.Breaker
}

// New dials addr lazily; extra options are appended after the defaults.
func New(addr string, cfg Config, opts ...grpc.DialOption) (*Client, error) {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	dial := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                cfg.KeepaliveTime,
			Timeout:             cfg.KeepaliveTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WithChainUnaryInterceptor(trace.UnaryClientInterceptor()),
	}
	conn, err := grpc.NewClient(addr, append(dial, opts...)...)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeVADInitFailed, "dial vad service").WithMetadata("addr", addr)
	}
	return &Client{conn: conn, cfg: cfg, breaker: resilience.NewBreaker(cfg.Breaker)}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

// Score returns the speech probability of one window of samples.
func (c *Client) Score(ctx context.Context, samples []float32, rate int) (float32, error) {
	return resilience.Do(ctx, c.breaker, func(ctx context.Context) (float32, error) {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
		ctx = metadata.AppendToOutgoingContext(ctx, SampleRateKey, strconv.Itoa(rate))
		out := new(wrapperspb.FloatValue)
		if err := c.conn.Invoke(ctx, scoreMethod, wrapperspb.Bytes(EncodePCM(samples)), out); err != nil {
			return 0, apperrors.FromGRPCError(err)
		}
		return out.GetValue(), nil
	})
}

// Reset clears the model's recurrent state between sessions.
func (c *Client) Reset(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	if err := c.conn.Invoke(ctx, resetMethod, &emptypb.Empty{}, &emptypb.Empty{}); err != nil {
		return apperrors.FromGRPCError(err)
	}
	return nil
}

// EncodePCM packs samples as little-endian int16.
func EncodePCM(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := int16(max(-32768, min(32767, math.Round(float64(s)*32767))))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}
