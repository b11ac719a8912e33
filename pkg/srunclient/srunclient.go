// Package srunclient provides a client for the settler HTTP API.
package srunclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/speedrun-hq/speedrun-settler/pkg/intake"
	"github.com/speedrun-hq/speedrun-settler/pkg/logger"
	"github.com/speedrun-hq/speedrun-settler/pkg/models"
)

// APIError is a non-2xx answer from the API
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
	// Actual and Required are set on slippage_exceeded, as raw integers
	Actual   string `json:"actual,omitempty"`
	Required string `json:"required,omitempty"`
	// Status is the intent status on not_settleable
	Status string `json:"status,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("settler api: %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Leg is a deposit the intent expects
type Leg struct {
	Token    string `json:"token"`
	Amount   string `json:"amount"`
	Observed bool   `json:"observed"`
	Ref      string `json:"ref,omitempty"`
}

// Payout is a transfer made to settle an intent
type Payout struct {
	Token  string     `json:"token"`
	To     string     `json:"to"`
	Amount string     `json:"amount"`
	Paid   bool       `json:"paid"`
	TxRef  string     `json:"txRef,omitempty"`
	PaidAt *time.Time `json:"paidAt,omitempty"`
}

// Intent is an intent as reported by the API, amounts in display units
type Intent struct {
	ID                  string            `json:"id"`
	Kind                models.Kind       `json:"kind"`
	User                string            `json:"user"`
	Pool                string            `json:"pool"`
	Status              models.Status     `json:"status"`
	DepositAccount      string            `json:"depositAccount,omitempty"`
	CreatedAt           time.Time         `json:"createdAt"`
	UpdatedAt           time.Time         `json:"updatedAt"`
	Deadline            *time.Time        `json:"deadline,omitempty"`
	Terms               map[string]string `json:"terms"`
	Legs                []Leg             `json:"legs"`
	Payouts             []Payout          `json:"payouts,omitempty"`
	NeedsReconciliation bool              `json:"needsReconciliation"`
	Notes               []string          `json:"notes,omitempty"`
}

// Submission tells where to send the deposits of a submitted intent
type Submission struct {
	ID             string        `json:"id"`
	DepositAccount string        `json:"depositAccount"`
	Created        bool          `json:"created"`
	Status         models.Status `json:"status"`
	Legs           []Leg         `json:"legs"`
}

// SwapQuote is the answer of /quote/swap
type SwapQuote struct {
	Pool         string `json:"pool"`
	TokenIn      string `json:"tokenIn"`
	TokenOut     string `json:"tokenOut"`
	AmountIn     string `json:"amountIn"`
	QuotedOut    string `json:"quotedOut"`
	MinAmountOut string `json:"minAmountOut"`
	ReserveIn    string `json:"reserveIn"`
	ReserveOut   string `json:"reserveOut"`
	PriceImpact  string `json:"priceImpact"`
}

// AddLiquidityQuote is the answer of /quote/addLiquidity
type AddLiquidityQuote struct {
	Pool         string `json:"pool"`
	LP           string `json:"lp"`
	MinLP        string `json:"minLp"`
	ReserveBase  string `json:"reserveBase"`
	ReserveQuote string `json:"reserveQuote"`
	LPSupply     string `json:"lpSupply"`
	Bootstrapped bool   `json:"bootstrapped"`
}

// RemoveLiquidityQuote is the answer of /quote/removeLiquidity
type RemoveLiquidityQuote struct {
	Pool         string `json:"pool"`
	BaseOut      string `json:"baseOut"`
	QuoteOut     string `json:"quoteOut"`
	MinBaseOut   string `json:"minBaseOut"`
	MinQuoteOut  string `json:"minQuoteOut"`
	ReserveBase  string `json:"reserveBase"`
	ReserveQuote string `json:"reserveQuote"`
	LPSupply     string `json:"lpSupply"`
}

var settlePaths = map[models.Kind]string{
	models.KindSwap:            "/settle/swap",
	models.KindAddLiquidity:    "/settle/lp/add",
	models.KindRemoveLiquidity: "/settle/lp/remove",
}

// Client represents a settler API client
type Client struct {
	endpoint   string
	httpClient *http.Client
	logger     logger.Logger
}

// New creates a new settler API client
func New(endpoint string, logger logger.Logger) *Client {
	return &Client{
		endpoint:   strings.TrimRight(endpoint, "/"),
		httpClient: createHTTPClient(),
		logger:     logger,
	}
}

// QuoteSwap prices selling amountIn (display units) of tokenIn
func (c *Client) QuoteSwap(ctx context.Context, tokenIn, tokenOut, amountIn string, maxSlippageBps int64) (*SwapQuote, error) {
	q := url.Values{}
	q.Set("tokenIn", tokenIn)
	q.Set("tokenOut", tokenOut)
	q.Set("amountIn", amountIn)
	q.Set("maxSlippageBps", strconv.FormatInt(maxSlippageBps, 10))

	var out SwapQuote
	if err := c.do(ctx, http.MethodGet, "/quote/swap?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// QuoteAddLiquidity prices depositing addBase and addX into the pool of tokenX
func (c *Client) QuoteAddLiquidity(ctx context.Context, tokenX, addBase, addX string, maxSlippageBps int64) (*AddLiquidityQuote, error) {
	q := url.Values{}
	q.Set("tokenX", tokenX)
	q.Set("addBase", addBase)
	q.Set("addX", addX)
	q.Set("maxSlippageBps", strconv.FormatInt(maxSlippageBps, 10))

	var out AddLiquidityQuote
	if err := c.do(ctx, http.MethodGet, "/quote/addLiquidity?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// QuoteRemoveLiquidity prices redeeming lpAmount LP tokens of the pool of tokenX
func (c *Client) QuoteRemoveLiquidity(ctx context.Context, tokenX, lpAmount string, maxSlippageBps int64) (*RemoveLiquidityQuote, error) {
	q := url.Values{}
	q.Set("tokenX", tokenX)
	q.Set("lpAmount", lpAmount)
	q.Set("maxSlippageBps", strconv.FormatInt(maxSlippageBps, 10))

	var out RemoveLiquidityQuote
	if err := c.do(ctx, http.MethodGet, "/quote/removeLiquidity?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitSwap records a swap intent
func (c *Client) SubmitSwap(ctx context.Context, req intake.SwapRequest) (*Submission, error) {
	return c.submit(ctx, "/intent/swap", req)
}

// SubmitAddLiquidity records an add-liquidity intent
func (c *Client) SubmitAddLiquidity(ctx context.Context, req intake.AddLiquidityRequest) (*Submission, error) {
	return c.submit(ctx, "/intent/lp/add", req)
}

// SubmitRemoveLiquidity records a remove-liquidity intent
func (c *Client) SubmitRemoveLiquidity(ctx context.Context, req intake.RemoveLiquidityRequest) (*Submission, error) {
	return c.submit(ctx, "/intent/lp/remove", req)
}

func (c *Client) submit(ctx context.Context, path string, req interface{}) (*Submission, error) {
	var out Submission
	if err := c.do(ctx, http.MethodPost, path, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetIntent fetches one intent
func (c *Client) GetIntent(ctx context.Context, id string) (*Intent, error) {
	var out Intent
	if err := c.do(ctx, http.MethodGet, "/intent/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Settle asks the settler to pay out a FILLED intent of the given kind. A deferred payout
// returns the intent still SETTLING and no error.
func (c *Client) Settle(ctx context.Context, kind models.Kind, id string) (*Intent, error) {
	path, ok := settlePaths[kind]
	if !ok {
		return nil, fmt.Errorf("unknown intent kind %q", kind)
	}
	var out Intent
	if err := c.do(ctx, http.MethodPost, path, map[string]string{"id": id}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Inbox lists intents, narrowed to statuses when any are given
func (c *Client) Inbox(ctx context.Context, statuses ...models.Status) ([]Intent, error) {
	path := "/inbox"
	if len(statuses) > 0 {
		parts := make([]string, len(statuses))
		for i, s := range statuses {
			parts[i] = string(s)
		}
		path += "?status=" + url.QueryEscape(strings.Join(parts, ","))
	}
	var out []Intent
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Reconciliation lists intents waiting for manual reconciliation
func (c *Client) Reconciliation(ctx context.Context) ([]Intent, error) {
	var out []Intent
	if err := c.do(ctx, http.MethodGet, "/reconciliation", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Resolve takes an intent off the reconciliation queue
func (c *Client) Resolve(ctx context.Context, id, resolution string) (*Intent, error) {
	var out Intent
	path := "/reconciliation/" + url.PathEscape(id) + "/resolve"
	if err := c.do(ctx, http.MethodPost, path, map[string]string{"resolution": resolution}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			c.logger.Error("Failed to close response body: %v", err)
		}
	}(resp.Body)

	// Read the response body regardless of status code
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, apiErr); err != nil || apiErr.Code == "" {
			apiErr.Message = strings.TrimSpace(string(bodyBytes))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(bodyBytes))
	}
	c.logger.Debug("%s %s -> %d", method, path, resp.StatusCode)
	return nil
}

// Helper function to create an HTTP client with timeouts
func createHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
