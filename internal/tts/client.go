// Package tts turns reply text into playable audio through a synthesis endpoint.
package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/dtpsim/voicestage/internal/audio"
	apperrors "github.com/dtpsim/voicestage/internal/errors"
	"github.com/dtpsim/voicestage/internal/trace"
)

const maxClipBytes = 16 << 20

// Client posts {"text": ...} and accepts either a JSON body carrying
// base64 audioContent or raw audio bytes.
type Client struct {
	url      string
	encoding string
	timeout  time.Duration
	http     *http.Client
}

func New(url, encoding string, timeout time.Duration, base *http.Client) *Client {
	return &Client{url: url, encoding: encoding, timeout: timeout, http: trace.NewHTTPClient(base)}
}

type synthRequest struct {
	Text          string `json:"text"`
	AudioEncoding string `json:"audioEncoding,omitempty"`
}

type synthResponse struct {
	AudioContent string `json:"audioContent"`
}

// Synthesize returns the clip for text.
func (c *Client) Synthesize(ctx context.Context, text string) (audio.Clip, error) {
	ctx, span := trace.StartSpan(ctx, "tts.synthesize")
	span.SetAttr("chars", len(text))
	defer span.End()

	clip, err := c.synthesize(ctx, text)
	span.SetError(err)
	return clip, err
}

func (c *Client) synthesize(ctx context.Context, text string) (audio.Clip, error) {
	if strings.TrimSpace(text) == "" {
		return audio.Clip{}, apperrors.New(apperrors.ErrCodeInvalidArgument, "empty text")
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	body, _ := json.Marshal(synthRequest{Text: text, AudioEncoding: c.encoding})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return audio.Clip{}, apperrors.Wrap(err, apperrors.ErrCodeInvalidArgument, "build tts request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return audio.Clip{}, apperrors.Wrap(err, apperrors.ErrCodeSynthesisFailed, "tts request")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxClipBytes))
	if err != nil {
		return audio.Clip{}, apperrors.Wrap(err, apperrors.ErrCodeSynthesisFailed, "read tts response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return audio.Clip{}, apperrors.Wrap(apperrors.FromHTTPStatus(resp.StatusCode, ""), apperrors.ErrCodeSynthesisFailed, "tts status")
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "application/json" || (mediaType == "" && json.Valid(data)) {
		var sr synthResponse
		if err := json.Unmarshal(data, &sr); err != nil {
			return audio.Clip{}, apperrors.Wrap(err, apperrors.ErrCodeSynthesisFailed, "decode tts json")
		}
		if sr.AudioContent == "" {
			return audio.Clip{}, apperrors.New(apperrors.ErrCodeSynthesisFailed, "tts response has no audioContent")
		}
		raw, err := base64.StdEncoding.DecodeString(sr.AudioContent)
		if err != nil {
			return audio.Clip{}, apperrors.Wrap(err, apperrors.ErrCodeSynthesisFailed, "decode audioContent")
		}
		return audio.Clip{Data: raw, MIME: audio.DetectMIME(raw)}, nil
	}
	if len(data) == 0 {
		return audio.Clip{}, apperrors.New(apperrors.ErrCodeSynthesisFailed, "empty tts response")
	}
	if mediaType == "" || mediaType == "application/octet-stream" {
		mediaType = audio.DetectMIME(data)
	}
	if mediaType == "audio/x-wav" || mediaType == "audio/wave" {
		mediaType = audio.MIMEWAV
	}
	return audio.Clip{Data: data, MIME: mediaType}, nil
}
