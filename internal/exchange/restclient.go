package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/quantfabric/xconnect/pkg/errors"
)

const defaultHTTPTimeout = 10 * time.Second

// RESTClient implements Client against a signed-query REST API.
type RESTClient struct {
	name     string
	endpoint string
	signer   *Signer
	http     *http.Client
}

// NewRESTClient builds a REST client for one exchange account.
func NewRESTClient(name, endpoint string, creds Credentials) (*RESTClient, error) {
	if endpoint == "" {
		return nil, errors.ExchangeError(errors.ExErrUnavailable, errors.OpStreamConnect,
			"rest endpoint is required", nil)
	}
	signer, err := NewSigner(creds)
	if err != nil {
		return nil, err
	}
	return &RESTClient{
		name:     name,
		endpoint: strings.TrimRight(endpoint, "/"),
		signer:   signer,
		http:     &http.Client{Timeout: defaultHTTPTimeout},
	}, nil
}

// Name returns the exchange name.
func (c *RESTClient) Name() string {
	return c.name
}

// FetchBalances returns the current account balances.
func (c *RESTClient) FetchBalances(ctx context.Context) ([]Balance, error) {
	var out []Balance
	if err := c.signedCall(ctx, http.MethodGet, "/api/v1/balances", nil, errors.OpFetchBalances, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchPositions returns the current positions.
func (c *RESTClient) FetchPositions(ctx context.Context) ([]Position, error) {
	var out []Position
	if err := c.signedCall(ctx, http.MethodGet, "/api/v1/positions", nil, errors.OpFetchPositions, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PlaceOrder submits a new order.
func (c *RESTClient) PlaceOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	params := map[string]string{
		"clientOrderId": req.ClientOrderID,
		"symbol":        req.Symbol,
		"side":          string(req.Side),
		"type":          string(req.Type),
		"quantity":      strconv.FormatFloat(req.Quantity, 'f', -1, 64),
	}
	if req.Type == Limit {
		params["price"] = strconv.FormatFloat(req.Price, 'f', -1, 64)
	}

	var out Order
	if err := c.signedCall(ctx, http.MethodPost, "/api/v1/order", params, errors.OpPlaceOrder, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelOrder cancels an open order by client order id.
func (c *RESTClient) CancelOrder(ctx context.Context, symbol, clientOrderID string) (*Order, error) {
	params := map[string]string{
		"symbol":        symbol,
		"clientOrderId": clientOrderID,
	}

	var out Order
	if err := c.signedCall(ctx, http.MethodDelete, "/api/v1/order", params, errors.OpCancelOrder, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// signedCall performs one authenticated request and decodes the body into out.
func (c *RESTClient) signedCall(ctx context.Context, method, path string, params map[string]string, op string, out interface{}) error {
	query := c.signer.Sign(params, time.Now())
	url := c.endpoint + path + "?" + query

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return errors.ExchangeError(errors.ExErrUnavailable, op, "failed to build request", err)
	}
	req.Header.Set("X-API-KEY", c.signer.APIKey())
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errors.Cancelled(ctx.Err().Error())
		}
		return errors.ExchangeError(errors.ExErrUnavailable, op, "request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.ExchangeError(errors.ExErrUnavailable, op, "failed to read response", err)
	}

	if resp.StatusCode != http.StatusOK {
		return c.classifyStatus(resp.StatusCode, op, body)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errors.ExchangeError(errors.ExErrUnavailable, op, "failed to decode response", err)
	}
	return nil
}

// apiError is the wire shape of an exchange error body.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *RESTClient) classifyStatus(status int, op string, body []byte) error {
	var ae apiError
	_ = json.Unmarshal(body, &ae)
	msg := ae.Message
	if msg == "" {
		msg = fmt.Sprintf("http status %d", status)
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errors.ExchangeError(errors.ExErrAuthFailed, op, msg, nil)
	case status == http.StatusTooManyRequests:
		return errors.ExchangeError(errors.ExErrRateLimited, op, msg, nil)
	case status == http.StatusNotFound && op == errors.OpCancelOrder:
		return errors.ExchangeError(errors.ExErrOrderNotFound, op, msg, nil)
	case status >= 400 && status < 500:
		return errors.ExchangeError(errors.ExErrOrderRejected, op, msg, nil)
	default:
		return errors.ExchangeError(errors.ExErrUnavailable, op, msg, nil)
	}
}
