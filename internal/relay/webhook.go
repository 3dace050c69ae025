package relay

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/vincent-petithory/dataurl"
)

const maxResponseBytes = 16 << 20

// ErrWebhookNotConfigured is returned when no webhook URL is set.
var ErrWebhookNotConfigured = errors.New("webhook url not configured")

// Reply is the webhook's JSON response.
type Reply struct {
	ReplyText  string `json:"replyText,omitempty"`
	ReplyAudio string `json:"replyAudio,omitempty"`
}

// TextRequest is the JSON body posted for text messages.
type TextRequest struct {
	AssistantID string `json:"assistantId"`
	From        string `json:"from"`
	Message     string `json:"message"`
}

// WebhookClient posts inbound messages to the AI webhook.
type WebhookClient struct {
	URL       string
	Token     string
	Attempts  int
	BaseDelay time.Duration
	client    *http.Client
}

// NewWebhookClient creates a client with the given per-request timeout.
func NewWebhookClient(url, token string, timeout time.Duration, attempts int) *WebhookClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &WebhookClient{
		URL:       strings.TrimSpace(url),
		Token:     strings.TrimSpace(token),
		Attempts:  attempts,
		BaseDelay: 500 * time.Millisecond,
		client:    &http.Client{Timeout: timeout},
	}
}

// PostText sends a text message and returns the decoded reply.
func (w *WebhookClient) PostText(ctx context.Context, req TextRequest) (*Reply, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return w.post(ctx, func() (io.Reader, string, error) {
		return bytes.NewReader(body), "application/json", nil
	})
}

// PostAudio sends an audio message as multipart/form-data with the fields
// assistantId and from, and the bytes in an "audio" file part.
func (w *WebhookClient) PostAudio(ctx context.Context, assistantID, from string, audio []byte, mimeType string) (*Reply, error) {
	if mimeType == "" {
		mimeType = "audio/ogg"
	}
	return w.post(ctx, func() (io.Reader, string, error) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		if err := mw.WriteField("assistantId", assistantID); err != nil {
			return nil, "", err
		}
		if err := mw.WriteField("from", from); err != nil {
			return nil, "", err
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="audio"; filename="`+audioFilename(mimeType)+`"`)
		h.Set("Content-Type", mimeType)
		part, err := mw.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(audio); err != nil {
			return nil, "", err
		}
		if err := mw.Close(); err != nil {
			return nil, "", err
		}
		return &buf, mw.FormDataContentType(), nil
	})
}

func (w *WebhookClient) post(ctx context.Context, build func() (io.Reader, string, error)) (*Reply, error) {
	if w.URL == "" {
		return nil, ErrWebhookNotConfigured
	}
	var reply Reply
	err := withRetry(ctx, w.Attempts, w.BaseDelay, func() (bool, time.Duration, error) {
		body, contentType, err := build()
		if err != nil {
			return false, 0, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, body)
		if err != nil {
			return false, 0, err
		}
		req.Header.Set("Content-Type", contentType)
		if w.Token != "" {
			req.Header.Set("Authorization", "Bearer "+w.Token)
		}
		resp, err := w.client.Do(req)
		if err != nil {
			return ctx.Err() == nil, 0, err
		}
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if resp.StatusCode >= 300 {
			retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
			return retryable, parseRetryAfter(resp.Header.Get("Retry-After")), fmt.Errorf("webhook rejected: status=%d body=%s", resp.StatusCode, truncate(strings.TrimSpace(string(data)), 200))
		}
		reply = Reply{}
		if len(bytes.TrimSpace(data)) == 0 {
			return false, 0, nil
		}
		if err := json.Unmarshal(data, &reply); err != nil {
			return false, 0, fmt.Errorf("malformed webhook response: %w", err)
		}
		return false, 0, nil
	})
	if err != nil {
		return nil, err
	}
	return &reply, nil
}

// DecodeAudio decodes replyAudio. A data URI carries its own content type;
// plain base64 defaults to an opus voice note.
func DecodeAudio(raw string) ([]byte, string, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "data:") {
		du, err := dataurl.DecodeString(raw)
		if err != nil {
			return nil, "", fmt.Errorf("decode audio data uri: %w", err)
		}
		mimeType := du.ContentType()
		if codecs, ok := du.Params["codecs"]; ok {
			mimeType += "; codecs=" + codecs
		}
		return du.Data, mimeType, nil
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(raw, "="))
		if err != nil {
			return nil, "", fmt.Errorf("decode audio base64: %w", err)
		}
	}
	return data, "audio/ogg; codecs=opus", nil
}

func audioFilename(mimeType string) string {
	base, _, _ := mime.ParseMediaType(mimeType)
	switch base {
	case "audio/mpeg":
		return "audio.mp3"
	case "audio/mp4", "audio/aac":
		return "audio.m4a"
	case "audio/wav", "audio/x-wav":
		return "audio.wav"
	default:
		return "audio.ogg"
	}
}

// withRetry runs fn up to attempts times with exponential backoff. A wait
// returned by fn (a server's Retry-After) stretches the pause before the next
// attempt; it is ignored when no further attempt follows.
func withRetry(ctx context.Context, attempts int, baseDelay time.Duration, fn func() (retryable bool, wait time.Duration, err error)) error {
	if attempts <= 0 {
		attempts = 1
	}
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		retryable, wait, err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable || i == attempts-1 {
			break
		}
		if !sleepCtx(ctx, max(baseDelay*time.Duration(1<<i), wait)) {
			break
		}
	}
	return lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(v); err == nil {
		d := time.Until(when)
		if d > 0 {
			return d
		}
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
