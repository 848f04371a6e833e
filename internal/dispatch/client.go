// Package dispatch sends captured turns to the inference service and decodes its replies.
package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dtpsim/voicestage/internal/audio"
	apperrors "github.com/dtpsim/voicestage/internal/errors"
	"github.com/dtpsim/voicestage/internal/resilience"
	"github.com/dtpsim/voicestage/internal/trace"
)

const maxReplyBytes = 4 << 20

// Request is one turn sent to the inference endpoint. Exactly one of
// Segment and Transcript is set.
type Request struct {
	Segment     *audio.Segment
	Transcript  string
	SessionID   string
	ScenarioID  string
	Topics      []string
	PromptIndex int
	Final       bool
}

// Config configures a Client.
type Config struct {
	URL        string
	Timeout    time.Duration
	HTTPClient *http.Client
	Breaker    resilience.BreakerConfig
	FinalRetry resilience.RetryConfig
}

// Client posts turns as multipart forms.
type Client struct {
	url        string
	timeout    time.Duration
	http       *http.Client
	breaker    *resilience.Breaker
	finalRetry resilience.RetryConfig
}

func New(cfg Config) *Client {
	if cfg.Breaker.Name == "" {
		cfg.Breaker.Name = "inference"
	}
	if cfg.FinalRetry.MaxRetries == 0 && cfg.FinalRetry.IsRetryable == nil {
		cfg.FinalRetry = resilience.FinalSendConfig()
	}
	return &Client{
		url:        cfg.URL,
		timeout:    cfg.Timeout,
		http:       trace.NewHTTPClient(cfg.HTTPClient),
		breaker:    resilience.NewBreaker(cfg.Breaker),
		finalRetry: cfg.FinalRetry,
	}
}

// Send delivers one turn. Non-final turns fail fast while the breaker is
// open; the final turn bypasses the breaker and is retried.
func (c *Client) Send(ctx context.Context, req Request) (Reply, error) {
	ctx, span := trace.StartSpan(ctx, "dispatch.send")
	span.SetAttr("final", req.Final)
	defer span.End()

	var (
		reply Reply
		err   error
	)
	if req.Final {
		reply, err = resilience.Retry(ctx, c.finalRetry, func(ctx context.Context) (Reply, error) {
			return c.post(ctx, req)
		})
		if err != nil {
			err = apperrors.Wrap(err, apperrors.ErrCodeFinalizeFailed, "send final segment")
		}
	} else {
		reply, err = resilience.Do(ctx, c.breaker, func(ctx context.Context) (Reply, error) {
			return c.post(ctx, req)
		})
		if err != nil && !apperrors.IsCode(err, apperrors.ErrCodeMalformedReply) {
			err = apperrors.Wrap(err, apperrors.ErrCodeDispatchFailed, "send segment")
		}
	}
	span.SetError(err)
	if req.Segment != nil {
		span.SetAttr("seq", req.Segment.Seq)
		span.SetAttr("bytes", req.Segment.Len())
	}
	return reply, err
}

// Breaker exposes the non-final circuit for status reporting.
func (c *Client) Breaker() *resilience.Breaker { return c.breaker }

func (c *Client) post(ctx context.Context, req Request) (Reply, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	body, contentType, err := encodeForm(req)
	if err != nil {
		return Reply{}, apperrors.Wrap(err, apperrors.ErrCodeInternal, "encode form")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, body)
	if err != nil {
		return Reply{}, apperrors.Wrap(err, apperrors.ErrCodeInvalidArgument, "build request")
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Reply{}, apperrors.Wrap(err, apperrors.ErrCodeTimeout, "inference request")
		}
		return Reply{}, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "inference request")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return Reply{}, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "read reply")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Reply{}, apperrors.FromHTTPStatus(resp.StatusCode, truncate(string(data), 200))
	}
	reply, err := ParseReply(data)
	if err != nil {
		return Reply{}, apperrors.Wrap(err, apperrors.ErrCodeMalformedReply, "parse reply").
			WithMetadata("body", truncate(string(data), 200))
	}
	return reply, nil
}

func encodeForm(req Request) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	if req.Segment != nil {
		name := fmt.Sprintf("segment-%d%s", req.Segment.Seq, extension(req.Segment.MIME))
		if req.Final {
			name = "full-session" + extension(req.Segment.MIME)
		}
		fw, err := mw.CreateFormFile("file", name)
		if err != nil {
			return nil, "", err
		}
		if _, err := fw.Write(req.Segment.Payload); err != nil {
			return nil, "", err
		}
	}
	fields := []struct{ k, v string }{
		{"sessionId", req.SessionID},
		{"scenarioId", req.ScenarioID},
		{"context", strings.Join(req.Topics, ",")},
		{"promptIndex", strconv.Itoa(req.PromptIndex)},
		{"final", strconv.FormatBool(req.Final)},
	}
	if req.Transcript != "" {
		fields = append(fields, struct{ k, v string }{"transcript", req.Transcript})
	}
	for _, f := range fields {
		if err := mw.WriteField(f.k, f.v); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

func extension(mime string) string {
	switch mime {
	case audio.MIMEWAV:
		return ".wav"
	case audio.MIMEMPEG:
		return ".mp3"
	case "audio/webm":
		return ".webm"
	default:
		return ".bin"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
