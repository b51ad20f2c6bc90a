package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"gainscan/config"
)

const defaultServerChanURL = "https://sctapi.ftqq.com"

// ServerChanNotifier pushes messages through the ServerChan send API.
type ServerChanNotifier struct {
	baseURL string
	key     string
	client  *http.Client
}

func NewServerChanNotifier(cfg config.ServerChanConfig) *ServerChanNotifier {
	base := strings.TrimRight(cfg.URL, "/")
	if base == "" {
		base = defaultServerChanURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ServerChanNotifier{
		baseURL: base,
		key:     strings.TrimSpace(cfg.Key),
		client:  &http.Client{Timeout: timeout},
	}
}

func (n *ServerChanNotifier) Name() string { return "serverchan" }

type serverChanResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Send posts the form; delivery counts only on HTTP 200 with code 0.
func (n *ServerChanNotifier) Send(ctx context.Context, title, body string) error {
	endpoint := fmt.Sprintf("%s/%s.send", n.baseURL, url.PathEscape(n.key))
	form := url.Values{"title": {title}, "desp": {body}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return errorf(n.Name(), "build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.client.Do(req)
	if err != nil {
		return errorf(n.Name(), "request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return errorf(n.Name(), "unexpected status %d", resp.StatusCode)
	}

	var out serverChanResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return errorf(n.Name(), "decode response: %w", err)
	}
	if out.Code != 0 {
		return errorf(n.Name(), "api error %d: %s", out.Code, out.Message)
	}
	return nil
}
