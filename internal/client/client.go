// Package client talks to a consulta server over HTTP: the job API used by
// the controller, stored details, credits and history.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/ignea/consulta/internal/config"
	"github.com/ignea/consulta/internal/credits"
	"github.com/ignea/consulta/internal/details"
	"github.com/ignea/consulta/internal/jobctl"
	"github.com/ignea/consulta/internal/protocol"
	"github.com/ignea/consulta/internal/version"
)

const (
	csrfCookie     = "csrftoken"
	csrfHeader     = "X-CSRFToken"
	maxErrorBody   = 4 * 1024
	defaultTimeout = 2 * time.Minute
)

// HTTPError is a non-2xx answer. Detail holds the server's {"detail": ...}
// message when the body had one.
type HTTPError struct {
	Op     string
	Status int
	Detail string
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s rejected: status=%d body=%s", e.Op, e.Status, e.Body)
}

func (e *HTTPError) ServerDetail() string { return e.Detail }

func (e *HTTPError) StatusCode() int { return e.Status }

var (
	_ jobctl.Transport = (*Client)(nil)
	_ details.Source   = (*Client)(nil)
	_ credits.Fetcher  = (*Client)(nil)
)

type Client struct {
	baseURL   string
	http      *http.Client
	csrfToken string
}

// New returns a client for serverURL with its own cookie jar. When
// httpClient is nil a client with a two minute timeout is used; a step can
// wait on upstream rate-limit retries.
func New(serverURL string, cfg config.Client, httpClient *http.Client) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(serverURL), "/")
	if base == "" {
		return nil, errors.New("server url is required")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	hc := &http.Client{Timeout: defaultTimeout}
	if httpClient != nil {
		clone := *httpClient
		hc = &clone
	}
	hc.Jar = jar
	return &Client{baseURL: base, http: hc, csrfToken: strings.TrimSpace(cfg.CSRFToken)}, nil
}

func (c *Client) BaseURL() string { return c.baseURL }

// Start submits a manual list as JSON or a file as multipart csv_file.
func (c *Client) Start(ctx context.Context, in jobctl.Input) (protocol.StartJobResponse, error) {
	var (
		body        bytes.Buffer
		contentType string
	)
	if in.File != nil {
		mw := multipart.NewWriter(&body)
		fw, err := mw.CreateFormFile("csv_file", in.File.Name)
		if err != nil {
			return protocol.StartJobResponse{}, fmt.Errorf("create upload part: %w", err)
		}
		if _, err := fw.Write(in.File.Data); err != nil {
			return protocol.StartJobResponse{}, fmt.Errorf("write upload part: %w", err)
		}
		if err := mw.Close(); err != nil {
			return protocol.StartJobResponse{}, fmt.Errorf("close upload: %w", err)
		}
		contentType = mw.FormDataContentType()
	} else {
		if err := json.NewEncoder(&body).Encode(protocol.StartJobRequest{CNPJs: in.CNPJs}); err != nil {
			return protocol.StartJobResponse{}, fmt.Errorf("marshal start request: %w", err)
		}
		contentType = "application/json"
	}

	var resp protocol.StartJobResponse
	if err := c.post(ctx, "start", "/jobs/start/", contentType, &body, &resp); err != nil {
		return protocol.StartJobResponse{}, err
	}
	slog.Debug("job started", "total", resp.Total)
	return resp, nil
}

func (c *Client) Step(ctx context.Context) (protocol.StepResponse, error) {
	var resp protocol.StepResponse
	if err := c.post(ctx, "step", "/jobs/step/", "", nil, &resp); err != nil {
		return protocol.StepResponse{}, err
	}
	return resp, nil
}

func (c *Client) Pause(ctx context.Context) error {
	return c.post(ctx, "pause", "/jobs/pause/", "", nil, nil)
}

func (c *Client) Resume(ctx context.Context) error {
	return c.post(ctx, "resume", "/jobs/resume/", "", nil, nil)
}

func (c *Client) Cancel(ctx context.Context) error {
	return c.post(ctx, "cancel", "/jobs/cancel/", "", nil, nil)
}

func (c *Client) Finalize(ctx context.Context) error {
	return c.post(ctx, "finalize", "/jobs/finalize/", "", nil, nil)
}

// Get returns the body of a 2xx GET of path.
func (c *Client) Get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create get request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, rejected("get "+path, resp)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return b, nil
}

func (c *Client) Credits(ctx context.Context, refresh bool) ([]byte, error) {
	path := "/api/creditos/"
	if refresh {
		path += "?refresh=1"
	}
	return c.Get(ctx, path)
}

func (c *Client) History(ctx context.Context) ([]protocol.HistoryEntry, error) {
	b, err := c.Get(ctx, "/api/historico/")
	if err != nil {
		return nil, err
	}
	var resp protocol.HistoryResponse
	if err := json.Unmarshal(b, &resp); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return resp.Entries, nil
}

func (c *Client) ClearHistory(ctx context.Context) error {
	return c.post(ctx, "clear history", "/historico/limpar/", "", nil, nil)
}

func (c *Client) RetryStatus(ctx context.Context) (protocol.RetryStatus, error) {
	b, err := c.Get(ctx, "/status-retry/")
	if err != nil {
		return protocol.RetryStatus{}, err
	}
	var st protocol.RetryStatus
	if err := json.Unmarshal(b, &st); err != nil {
		return protocol.RetryStatus{}, fmt.Errorf("decode retry status: %w", err)
	}
	return st, nil
}

func (c *Client) ServerInfo(ctx context.Context) (protocol.ServerInfo, error) {
	b, err := c.Get(ctx, "/api/v1/server-info")
	if err != nil {
		return protocol.ServerInfo{}, err
	}
	var info protocol.ServerInfo
	if err := json.Unmarshal(b, &info); err != nil {
		return protocol.ServerInfo{}, fmt.Errorf("decode server info: %w", err)
	}
	return info, nil
}

// CheckServer fails when the server reports a version this client cannot
// talk to.
func (c *Client) CheckServer(ctx context.Context) (protocol.ServerInfo, error) {
	info, err := c.ServerInfo(ctx)
	if err != nil {
		return protocol.ServerInfo{}, err
	}
	if !version.Compatible(version.Current(), info.Version) {
		return info, fmt.Errorf("server version %s is incompatible with client %s", info.Version, version.Current())
	}
	if version.Newer(version.Current(), info.Version) {
		slog.Info("server runs a newer version", "server", info.Version, "client", version.Current())
	}
	return info, nil
}

func (c *Client) post(ctx context.Context, op, path, contentType string, body io.Reader, out any) error {
	token, err := c.token(ctx)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create %s request: %w", op, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(csrfHeader, token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send %s request: %w", op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return rejected(op, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}

// token returns the configured CSRF token or the csrftoken cookie, fetching
// a cookie from the server first when there is none yet.
func (c *Client) token(ctx context.Context) (string, error) {
	if c.csrfToken != "" {
		return c.csrfToken, nil
	}
	if v := c.cookie(csrfCookie); v != "" {
		return v, nil
	}
	if _, err := c.Get(ctx, "/status-retry/"); err != nil {
		return "", fmt.Errorf("obtain csrf cookie: %w", err)
	}
	return c.cookie(csrfCookie), nil
}

func (c *Client) cookie(name string) string {
	u, err := url.Parse(c.baseURL)
	if err != nil || c.http.Jar == nil {
		return ""
	}
	for _, ck := range c.http.Jar.Cookies(u) {
		if ck.Name == name {
			return ck.Value
		}
	}
	return ""
}

func rejected(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	body = bytes.TrimSpace(body)
	e := &HTTPError{Op: op, Status: resp.StatusCode, Body: string(body)}
	var detail protocol.ErrorResponse
	if json.Unmarshal(body, &detail) == nil {
		e.Detail = strings.TrimSpace(detail.Detail)
	}
	return e
}
