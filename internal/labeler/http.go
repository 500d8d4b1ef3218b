package labeler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"

	appLog "nerd/internal/log"
	"nerd/internal/model"
)

// DefaultTimeout bounds one inference call.
const DefaultTimeout = 10 * time.Second

// maxResponseBytes caps how much of an inference response is read.
const maxResponseBytes = 8 << 20

type labelRequest struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

type labelResponse struct {
	Tokens []model.Token `json:"tokens"`
	Error  string        `json:"error,omitempty"`
}

// HTTP calls a token-classification server that accepts
// {"text": ..., "language": ...} and answers {"tokens": [...]}.
type HTTP struct {
	client   *http.Client
	url      string
	language string
}

// NewHTTP creates a client for the inference endpoint at url.
func NewHTTP(url, language string, timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTP{
		client:   &http.Client{Timeout: timeout},
		url:      url,
		language: language,
	}
}

func (h *HTTP) Label(ctx context.Context, text string) ([]model.Token, error) {
	if h.url == "" {
		return nil, errors.New("labeler URL is empty")
	}

	body, err := json.Marshal(labelRequest{Text: text, Language: h.language})
	if err != nil {
		return nil, errors.Wrap(err, "encode label request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build label request")
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "label request to %s", redactURL(h.url))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errors.Wrap(err, "read label response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf("labeler %s: %s", redactURL(h.url), resp.Status)
	}

	var out labelResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errors.Wrap(err, "decode label response")
	}
	if out.Error != "" {
		return nil, errors.Newf("labeler %s: %s", redactURL(h.url), out.Error)
	}

	appLog.Debug("labeler call done", "url", redactURL(h.url), "tokens", len(out.Tokens), "took", time.Since(start).String())
	return out.Tokens, nil
}

// redactURL hides path and query of an endpoint URL for logging.
func redactURL(u string) string {
	const redactedSuffix = "/...(redacted)"

	i := -1
	for idx := 0; idx+2 < len(u); idx++ {
		if u[idx:idx+3] == "://" {
			i = idx + 3
			break
		}
	}
	if i == -1 {
		return "labeler://...(redacted)"
	}

	j := i
	for j < len(u) && u[j] != '/' {
		j++
	}
	return u[:j] + redactedSuffix
}
