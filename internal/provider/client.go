package provider

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
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/ledgersync/internal/model"
)

const (
	defaultTimeout      = 30 * time.Second
	defaultMaxRetries   = 2
	defaultInitialDelay = 500 * time.Millisecond
	maxErrorBody        = 4096
)

// APIError is a non-2xx response from the provider.
type APIError struct {
	Status int
	Body   string
	Path   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider API error (%d) on %s: %s", e.Status, e.Path, e.Body)
}

// IsRetryable reports whether err is a transport failure worth retrying
// later: timeouts, connection errors, 429 and 5xx.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

type Config struct {
	BaseURL    string
	Token      string
	ProfileID  string
	Timeout    time.Duration
	MaxRetries int
}

// Client is the outbound REST client for the payments provider.
type Client struct {
	baseURL      string
	token        string
	profileID    string
	maxRetries   int
	initialDelay time.Duration
	client       *http.Client
	logger       *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		token:        cfg.Token,
		profileID:    cfg.ProfileID,
		maxRetries:   cfg.MaxRetries,
		initialDelay: defaultInitialDelay,
		client:       &http.Client{Timeout: cfg.Timeout},
		logger:       logger,
	}
}

// get issues a GET and decodes the JSON body into out, retrying 429 and 5xx
// with exponential backoff.
func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	if c.token == "" {
		return errors.New("provider API token not set")
	}
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.initialDelay << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Accept", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("provider request %s: %w", path, err)
			if ctx.Err() != nil {
				return lastErr
			}
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read provider response %s: %w", path, err)
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			if len(body) > maxErrorBody {
				body = body[:maxErrorBody]
			}
			lastErr = &APIError{Status: resp.StatusCode, Body: string(body), Path: path}
			if IsRetryable(lastErr) {
				c.logger.Warn("provider_request_retry", "path", path, "status", resp.StatusCode, "attempt", attempt+1)
				continue
			}
			return lastErr
		}

		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode provider response %s: %w", path, err)
		}
		return nil
	}
	return lastErr
}

type Profile struct {
	ID   FlexibleID `json:"id"`
	Type string     `json:"type"`
}

func (c *Client) Profiles(ctx context.Context) ([]Profile, error) {
	var out []Profile
	if err := c.get(ctx, "/v1/profiles", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ProfileID returns the configured profile, or the first business profile
// (else the first profile) the token can see.
func (c *Client) ProfileID(ctx context.Context) (string, error) {
	if c.profileID != "" {
		return c.profileID, nil
	}
	profiles, err := c.Profiles(ctx)
	if err != nil {
		return "", err
	}
	if len(profiles) == 0 {
		return "", errors.New("provider returned no profiles")
	}
	for _, p := range profiles {
		if strings.EqualFold(p.Type, "business") {
			return p.ID.String(), nil
		}
	}
	return profiles[0].ID.String(), nil
}

type Money struct {
	Value    decimal.Decimal `json:"value"`
	Currency string          `json:"currency"`
}

// Balance is one currency account of a profile.
type Balance struct {
	ID       FlexibleID `json:"id"`
	Currency string     `json:"currency"`
	Amount   Money      `json:"amount"`
}

func (c *Client) Balances(ctx context.Context, profileID string) ([]Balance, error) {
	var out []Balance
	q := url.Values{"types": {"STANDARD"}}
	if err := c.get(ctx, "/v4/profiles/"+url.PathEscape(profileID)+"/balances", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CurrentBalances reports the provider balance of every currency account.
func (c *Client) CurrentBalances(ctx context.Context) ([]model.ProviderBalance, error) {
	profileID, err := c.ProfileID(ctx)
	if err != nil {
		return nil, err
	}
	balances, err := c.Balances(ctx, profileID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	out := make([]model.ProviderBalance, 0, len(balances))
	for _, b := range balances {
		cur, err := model.NormalizeCurrency(b.Currency)
		if err != nil {
			c.logger.Warn("provider_balance_skipped", "balance_id", b.ID.String(), "currency", b.Currency)
			continue
		}
		out = append(out, model.ProviderBalance{Currency: cur, Amount: b.Amount.Value, FetchedAt: now})
	}
	return out, nil
}

// Statement fetches the statement of one balance for [start, end).
func (c *Client) Statement(ctx context.Context, profileID, balanceID, currency string, start, end time.Time) (*Statement, error) {
	q := url.Values{
		"currency":      {currency},
		"intervalStart": {start.UTC().Format(time.RFC3339)},
		"intervalEnd":   {end.UTC().Format(time.RFC3339)},
		"type":          {"COMPACT"},
	}
	path := fmt.Sprintf("/v1/profiles/%s/balance-statements/%s/statement.json",
		url.PathEscape(profileID), url.PathEscape(balanceID))
	var out Statement
	if err := c.get(ctx, path, q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type rateQuote struct {
	Rate   decimal.Decimal `json:"rate"`
	Source string          `json:"source"`
	Target string          `json:"target"`
}

// Rate returns the provider's current mid-market rate source->target.
func (c *Client) Rate(ctx context.Context, source, target string) (decimal.Decimal, error) {
	var quotes []rateQuote
	q := url.Values{"source": {source}, "target": {target}}
	if err := c.get(ctx, "/v1/rates", q, &quotes); err != nil {
		return decimal.Zero, err
	}
	if len(quotes) == 0 {
		return decimal.Zero, fmt.Errorf("provider returned no rate for %s->%s", source, target)
	}
	return quotes[0].Rate, nil
}

// FlexibleID accepts ids the provider sends either as numbers or strings.
type FlexibleID string

func (f *FlexibleID) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*f = FlexibleID(str)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*f = FlexibleID(n.String())
	return nil
}

func (f FlexibleID) String() string {
	return string(f)
}
