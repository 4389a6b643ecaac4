package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"ms-enrollment/internal/config"
	"ms-enrollment/internal/logger"
	"ms-enrollment/internal/models"
)

var (
	ErrUnavailable     = errors.New("payment gateway unavailable")
	ErrPaymentNotFound = errors.New("payment not found at gateway")
	ErrCancelRejected  = errors.New("gateway rejected cancel request")
)

// Client wraps the gateway's HTTP API. It carries no business logic;
// every call is bounded by the configured request timeout.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	log        *logger.Logger
}

func NewClient(cfg config.GatewayConfig, log *logger.Logger) (*Client, error) {
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse gateway url: %w", err)
	}
	if !parsed.IsAbs() {
		return nil, errors.New("gateway url must be absolute")
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		baseURL: parsed,
		log:     log,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// FetchPayment retrieves the gateway's record of a charge. This is the
// ground truth Verify compares the order against.
func (c *Client) FetchPayment(ctx context.Context, gatewayPaymentID string) (*models.GatewayPayment, error) {
	endpoint := c.endpoint("/payments/", gatewayPaymentID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Error("GATEWAY", fmt.Sprintf("fetch payment %s failed: %v", gatewayPaymentID, err))
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var payment models.GatewayPayment
		if err := json.NewDecoder(resp.Body).Decode(&payment); err != nil {
			return nil, fmt.Errorf("%w: decode payment: %v", ErrUnavailable, err)
		}
		return &payment, nil
	case http.StatusNotFound:
		return nil, ErrPaymentNotFound
	default:
		body, _ := io.ReadAll(resp.Body)
		c.log.Error("GATEWAY", fmt.Sprintf("fetch payment %s: status %d body %s", gatewayPaymentID, resp.StatusCode, string(body)))
		return nil, fmt.Errorf("%w: status %s", ErrUnavailable, resp.Status)
	}
}

// CancelPayment asks the gateway to void or refund a charge. Callers
// decide whether a failure here is fatal: a compensating auto-refund
// logs and moves on, an operator refund must abort on error.
func (c *Client) CancelPayment(ctx context.Context, gatewayPaymentID, reason string) error {
	endpoint := c.endpoint("/payments/", gatewayPaymentID, "cancel")

	payload, err := json.Marshal(map[string]string{"reason": reason})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Error("GATEWAY", fmt.Sprintf("cancel payment %s failed: %v", gatewayPaymentID, err))
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.log.LogGateway("CANCEL", gatewayPaymentID, fmt.Sprintf("cancelled: %s", reason))
		return nil
	}

	body, _ := io.ReadAll(resp.Body)
	c.log.Error("GATEWAY", fmt.Sprintf("cancel payment %s: status %d body %s", gatewayPaymentID, resp.StatusCode, string(body)))
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status %s", ErrUnavailable, resp.Status)
	}
	return fmt.Errorf("%w: status %s", ErrCancelRejected, resp.Status)
}

// RequestCheckout registers a checkout session with the gateway and
// returns the redirect tuple the client hands to the payment page.
func (c *Client) RequestCheckout(ctx context.Context, req models.CheckoutRequest) (*models.CheckoutRedirect, error) {
	endpoint := c.endpoint("/payments")

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.log.Error("GATEWAY", fmt.Sprintf("checkout request for %s failed: %v", req.MerchantRef, err))
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		c.log.Error("GATEWAY", fmt.Sprintf("checkout request for %s: status %d body %s", req.MerchantRef, resp.StatusCode, string(body)))
		return nil, fmt.Errorf("%w: status %s", ErrUnavailable, resp.Status)
	}

	var redirect models.CheckoutRedirect
	if err := json.NewDecoder(resp.Body).Decode(&redirect); err != nil {
		return nil, fmt.Errorf("%w: decode redirect: %v", ErrUnavailable, err)
	}

	c.log.LogGateway("CHECKOUT", redirect.GatewayPaymentID, fmt.Sprintf("session created for %s", req.MerchantRef))
	return &redirect, nil
}

func (c *Client) endpoint(parts ...string) string {
	u := *c.baseURL
	u.Path = path.Join(append([]string{u.Path}, parts...)...)
	return u.String()
}
