// Package lookup queries the CNPJá office API.
package lookup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ignea/consulta/internal/cnpj"
	"github.com/ignea/consulta/internal/config"
	"github.com/ignea/consulta/internal/protocol"
)

const (
	userAgent       = "Consulta-CNPJ/1.0"
	noEmail         = "Sem e-mail"
	maxErrorBody    = 500
	maxErrorMessage = 200
	RateLimitedText = "Limite de tentativas excedido devido a rate limit (429)."
)

var (
	ErrMissingAPIKey = errors.New("CNPJA_API_KEY não configurada no ambiente.")
	ErrInvalidCNPJ   = errors.New("CNPJ inválido. Deve conter 14 dígitos.")
	ErrRateLimited   = errors.New("rate limited")
)

// Error is a non-200 upstream answer.
type Error struct {
	StatusCode int
	CNPJ       string
	Body       string
}

func (e *Error) Error() string {
	if e.CNPJ == "" {
		return fmt.Sprintf("Erro %d ao consultar a API: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("Erro %d ao consultar CNPJ %s: %s", e.StatusCode, e.CNPJ, e.Body)
}

func (e *Error) Unwrap() error {
	if e.StatusCode == http.StatusTooManyRequests {
		return ErrRateLimited
	}
	return nil
}

// Retryable reports whether err is worth another attempt: rate limiting,
// timeouts and connection failures.
func Retryable(err error) bool {
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	var ue *Error
	if errors.As(err, &ue) {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var uerr *url.Error
	return errors.As(err, &uerr)
}

// RetryFunc is told about each retry before the wait starts.
type RetryFunc func(attempt int, wait time.Duration)

type Client struct {
	baseURL    string
	apiKey     string
	strategy   string
	maxAge     int
	maxStale   int
	retryCount int
	retryWait  time.Duration
	http       *http.Client
	timer      backoff.Timer
	log        *slog.Logger
}

func New(cfg config.Upstream, httpClient *http.Client) *Client {
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	retries := cfg.RetryCount
	if retries < 1 {
		retries = 1
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		strategy:   cfg.Strategy,
		maxAge:     cfg.MaxAgeDays,
		maxStale:   cfg.MaxStaleDays,
		retryCount: retries,
		retryWait:  cfg.RetryWait,
		http:       httpClient,
		log:        slog.Default(),
	}
}

// Office fetches the raw office record of id in a single attempt.
func (c *Client) Office(ctx context.Context, id string) (json.RawMessage, error) {
	digits := cnpj.Clean(id)
	if len(digits) != cnpj.Length {
		return nil, ErrInvalidCNPJ
	}
	q := url.Values{}
	if c.strategy != "" {
		q.Set("strategy", c.strategy)
	}
	if c.maxAge > 0 {
		q.Set("maxAge", strconv.Itoa(c.maxAge))
	}
	if c.maxStale > 0 {
		q.Set("maxStale", strconv.Itoa(c.maxStale))
	}
	path := "/office/" + digits
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	return c.get(ctx, path, digits)
}

// Credits fetches the raw credit balance of the API key.
func (c *Client) Credits(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, "/credit", "")
}

func (c *Client) get(ctx context.Context, path, id string) (json.RawMessage, error) {
	if c.apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create upstream request: %w", err)
	}
	req.Header.Set("Authorization", c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send upstream request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &Error{StatusCode: resp.StatusCode, CNPJ: id, Body: strings.TrimSpace(string(body))}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("decode upstream response: invalid JSON")
	}
	return json.RawMessage(body), nil
}

// Lookup fetches id and maps it to a result row, retrying rate limits and
// transport failures up to the configured count with a constant wait.
// Upstream failures become error rows; only context cancellation is
// returned as an error.
func (c *Client) Lookup(ctx context.Context, id string, onRetry RetryFunc) (protocol.ResultRow, error) {
	digits := cnpj.Clean(id)
	var (
		row     protocol.ResultRow
		attempt int
	)
	op := func() error {
		attempt++
		data, err := c.Office(ctx, digits)
		switch {
		case err == nil:
			row = RowFromOffice(digits, data)
			return nil
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		case !Retryable(err):
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.log.Warn("upstream lookup retry", "cnpj", digits, "attempt", attempt, "wait", wait, "error", err)
		if onRetry != nil {
			onRetry(attempt, wait)
		}
	}
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(c.retryWait), uint64(c.retryCount-1))

	err := backoff.RetryNotifyWithTimer(op, backoff.WithContext(policy, ctx), notify, c.timer)
	switch {
	case err == nil:
		return row, nil
	case ctx.Err() != nil:
		return protocol.ResultRow{}, ctx.Err()
	case Retryable(err):
		return protocol.ResultRow{CNPJ: cnpj.Format(digits), Nome: "-", Email: RateLimitedText}, nil
	}
	return errorRow(digits, err), nil
}

func errorRow(digits string, err error) protocol.ResultRow {
	prefix := "Erro API PRO: "
	var ue *Error
	if !errors.As(err, &ue) && !errors.Is(err, ErrInvalidCNPJ) && !errors.Is(err, ErrMissingAPIKey) {
		prefix = "Erro inesperado: "
	}
	return protocol.ResultRow{
		CNPJ:  cnpj.Format(digits),
		Nome:  "-",
		Email: prefix + truncate(err.Error(), maxErrorMessage),
	}
}

type officeSummary struct {
	Name    string `json:"name"`
	Company *struct {
		Name string `json:"name"`
	} `json:"company"`
	Emails []json.RawMessage `json:"emails"`
}

// RowFromOffice extracts name and first e-mail from a raw office record.
func RowFromOffice(digits string, data json.RawMessage) protocol.ResultRow {
	row := protocol.ResultRow{CNPJ: cnpj.Format(digits), Nome: "-", Email: noEmail, Detalhes: data}
	var s officeSummary
	if err := json.Unmarshal(data, &s); err != nil {
		return row
	}
	switch {
	case s.Company != nil && s.Company.Name != "":
		row.Nome = s.Company.Name
	case s.Name != "":
		row.Nome = s.Name
	}
	if len(s.Emails) > 0 {
		row.Email = firstEmail(s.Emails[0])
	}
	return row
}

func firstEmail(raw json.RawMessage) string {
	var obj struct {
		Address string `json:"address"`
		Email   string `json:"email"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		switch {
		case obj.Address != "":
			return obj.Address
		case obj.Email != "":
			return obj.Email
		}
		return noEmail
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return s
	}
	return noEmail
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
