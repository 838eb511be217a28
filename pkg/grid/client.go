package grid

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/odvcencio/shotdiff/pkg/browser"
	shoterrors "github.com/odvcencio/shotdiff/pkg/errors"
)

// fontsReadyScript resolves once web fonts have loaded so captures do not
// race font swaps.
const fontsReadyScript = `var done = arguments[arguments.length - 1];
if (document.fonts && document.fonts.ready) {
  document.fonts.ready.then(function () { done(true); });
} else {
  done(true);
}`

// ClientConfig configures the HTTP grid client.
type ClientConfig struct {
	APIURL          string
	HubURL          string
	Username        string
	AccessKey       string
	RequestTimeout  time.Duration
	RequestRate     float64
	RequestBurst    int
	Viewport        browser.Viewport
	PageLoadTimeout time.Duration
	WaitForFonts    bool

	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client
}

// Client implements Provider against a CrossBrowserTesting-style REST API
// and a W3C WebDriver hub.
type Client struct {
	cfg     ClientConfig
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a grid client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 2 * time.Minute
	}
	if cfg.RequestRate <= 0 {
		cfg.RequestRate = 5
	}
	if cfg.RequestBurst <= 0 {
		cfg.RequestBurst = 1
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	cfg.HubURL = strings.TrimRight(cfg.HubURL, "/")

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.RequestTimeout}
	}
	return &Client{
		cfg:     cfg,
		http:    client,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestRate), cfg.RequestBurst),
	}
}

type parallelLimits struct {
	Automated struct {
		Active int `json:"active"`
		Max    int `json:"max"`
	} `json:"automated"`
}

// FetchConcurrencyStats reads the account's automated-session quota.
func (c *Client) FetchConcurrencyStats(ctx context.Context) (CapacitySnapshot, error) {
	var limits parallelLimits
	status, err := c.doJSON(ctx, http.MethodGet, c.cfg.APIURL+"/account/maxParallelLimits", nil, &limits)
	if err != nil {
		return CapacitySnapshot{}, shoterrors.Wrap(err, shoterrors.ErrCodeGridAPI, "fetching concurrency stats").
			WithContext("status", status).
			WithRetryable(true)
	}
	return CapacitySnapshot{Active: limits.Automated.Active, Max: limits.Automated.Max}, nil
}

type newSessionResponse struct {
	SessionID string `json:"sessionId"`
	Value     struct {
		SessionID string `json:"sessionId"`
	} `json:"value"`
}

// AcquireSession starts a remote browser and prepares its viewport.
func (c *Client) AcquireSession(ctx context.Context, caps Capabilities) (browser.Handle, error) {
	body := map[string]any{
		"capabilities": map[string]any{
			"alwaysMatch": caps,
		},
	}
	var resp newSessionResponse
	status, err := c.doJSON(ctx, http.MethodPost, c.cfg.HubURL+"/session", body, &resp)
	if err != nil {
		return nil, shoterrors.Wrap(err, shoterrors.ErrCodeSessionStartFailed, "grid rejected session").
			WithContext("status", status).
			WithContext("capabilities", caps.String()).
			WithRetryable(true)
	}

	id := resp.Value.SessionID
	if id == "" {
		id = resp.SessionID
	}
	if id == "" {
		return nil, shoterrors.New(shoterrors.ErrCodeSessionStartFailed, "grid returned no session id").
			WithRetryable(true)
	}

	sess := &remoteSession{client: c, id: id}
	if err := sess.prepare(ctx); err != nil {
		_ = sess.Quit(context.WithoutCancel(ctx))
		return nil, shoterrors.Wrap(err, shoterrors.ErrCodeSessionStartFailed, "preparing session").
			WithContext("session_id", id).
			WithRetryable(true)
	}
	return sess, nil
}

// KillSessions force-terminates sessions through the REST API.
func (c *Client) KillSessions(ctx context.Context, ids []string) error {
	var errs []error
	for _, id := range ids {
		endpoint := c.cfg.APIURL + "/selenium/" + url.PathEscape(id)
		if _, err := c.doJSON(ctx, http.MethodDelete, endpoint, nil, nil); err != nil {
			errs = append(errs, fmt.Errorf("kill %s: %w", id, err))
		}
	}
	if len(errs) > 0 {
		return shoterrors.Wrap(errors.Join(errs...), shoterrors.ErrCodeGridAPI, "force-killing sessions").
			WithContext("sessions", len(ids))
	}
	return nil
}

// webDriverError is the W3C error envelope.
type webDriverError struct {
	Value struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	} `json:"value"`
}

// doJSON performs one rate-limited, authenticated request. The returned
// status is 0 when no response was received.
func (c *Client) doJSON(ctx context.Context, method, endpoint string, in, out any) (int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return 0, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.Username != "" || c.cfg.AccessKey != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.AccessKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var wdErr webDriverError
		if json.Unmarshal(data, &wdErr) == nil && wdErr.Value.Error != "" {
			return resp.StatusCode, fmt.Errorf("%s %s: %s: %s", method, endpoint, wdErr.Value.Error, wdErr.Value.Message)
		}
		return resp.StatusCode, fmt.Errorf("%s %s: HTTP %d: %s", method, endpoint, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// remoteSession is a browser.Handle backed by a WebDriver session.
type remoteSession struct {
	client *Client
	id     string
}

func (s *remoteSession) ID() string {
	return s.id
}

func (s *remoteSession) endpoint(path string) string {
	return s.client.cfg.HubURL + "/session/" + url.PathEscape(s.id) + path
}

func (s *remoteSession) prepare(ctx context.Context) error {
	cfg := s.client.cfg
	if cfg.Viewport.Width > 0 && cfg.Viewport.Height > 0 {
		rect := map[string]int{"width": cfg.Viewport.Width, "height": cfg.Viewport.Height, "x": 0, "y": 0}
		if _, err := s.client.doJSON(ctx, http.MethodPost, s.endpoint("/window/rect"), rect, nil); err != nil {
			return err
		}
	}
	if cfg.PageLoadTimeout > 0 {
		timeouts := map[string]int64{
			"pageLoad": cfg.PageLoadTimeout.Milliseconds(),
			"script":   cfg.PageLoadTimeout.Milliseconds(),
		}
		if _, err := s.client.doJSON(ctx, http.MethodPost, s.endpoint("/timeouts"), timeouts, nil); err != nil {
			return err
		}
	}
	return nil
}

// Capture navigates to target and returns the PNG screenshot bytes.
func (s *remoteSession) Capture(ctx context.Context, target string) ([]byte, error) {
	if _, err := s.client.doJSON(ctx, http.MethodPost, s.endpoint("/url"), map[string]string{"url": target}, nil); err != nil {
		return nil, captureError(err, s.id, target, "navigating")
	}

	if s.client.cfg.WaitForFonts {
		script := map[string]any{"script": fontsReadyScript, "args": []any{}}
		if _, err := s.client.doJSON(ctx, http.MethodPost, s.endpoint("/execute/async"), script, nil); err != nil {
			return nil, captureError(err, s.id, target, "waiting for fonts")
		}
	}

	var shot struct {
		Value string `json:"value"`
	}
	if _, err := s.client.doJSON(ctx, http.MethodGet, s.endpoint("/screenshot"), nil, &shot); err != nil {
		return nil, captureError(err, s.id, target, "taking screenshot")
	}
	data, err := base64.StdEncoding.DecodeString(shot.Value)
	if err != nil {
		return nil, captureError(err, s.id, target, "decoding screenshot")
	}
	return data, nil
}

// Quit deletes the WebDriver session.
func (s *remoteSession) Quit(ctx context.Context) error {
	if _, err := s.client.doJSON(ctx, http.MethodDelete, s.endpoint(""), nil, nil); err != nil {
		return shoterrors.Wrap(err, shoterrors.ErrCodeGridAPI, "quitting session").
			WithContext("session_id", s.id)
	}
	return nil
}

func captureError(err error, sessionID, target, step string) error {
	return shoterrors.Wrap(err, shoterrors.ErrCodeCaptureFailed, step).
		WithContext("session_id", sessionID).
		WithContext("url", target)
}

var _ Provider = (*Client)(nil)
