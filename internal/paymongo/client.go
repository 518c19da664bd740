package paymongo

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrGatewayUnavailable wraps transport-level failures reaching PayMongo.
// Checkout-session creation surfaces it to the client; webhook/sync
// processing logs it and can be retried.
var ErrGatewayUnavailable = errors.New("payment gateway unavailable")

type Client struct {
	BaseURL   string
	SecretKey string
	HTTP      *http.Client
}

func NewClient(baseURL, secretKey string) *Client {
	return &Client{
		BaseURL:   baseURL,
		SecretKey: secretKey,
		HTTP:      &http.Client{Timeout: 10 * time.Second},
	}
}

type CheckoutLineItem struct {
	Name        string `json:"name"`
	AmountCents int64  `json:"amount"`
	Currency    string `json:"currency"`
	Quantity    int    `json:"quantity"`
}

type CheckoutSessionReq struct {
	LineItems   []CheckoutLineItem
	Description string
	SuccessURL  string
	CancelURL   string
	ReferenceID string // order id, echoed back on the redirect
}

type CheckoutSession struct {
	ID          string
	CheckoutURL string
	PaidCents   int64
	Status      string
}

// CreateCheckoutSession opens a gateway checkout session for
// server-computed line items. All amounts come from our own pricing; the
// client never influences them.
func (c *Client) CreateCheckoutSession(ctx context.Context, req CheckoutSessionReq) (*CheckoutSession, error) {
	items := make([]map[string]any, 0, len(req.LineItems))
	for _, li := range req.LineItems {
		items = append(items, map[string]any{
			"name":     li.Name,
			"amount":   li.AmountCents,
			"currency": li.Currency,
			"quantity": li.Quantity,
		})
	}
	body := map[string]any{
		"data": map[string]any{
			"attributes": map[string]any{
				"line_items":           items,
				"payment_method_types": []string{"card", "gcash", "paymaya"},
				"description":          req.Description,
				"success_url":          fmt.Sprintf("%s?ref=%s", req.SuccessURL, req.ReferenceID),
				"cancel_url":           fmt.Sprintf("%s?ref=%s", req.CancelURL, req.ReferenceID),
				"reference_number":     req.ReferenceID,
			},
		},
	}
	var resp sessionResponse
	if err := c.do(ctx, http.MethodPost, "/checkout_sessions", body, &resp); err != nil {
		return nil, err
	}
	return resp.toSession(), nil
}

// RetrieveCheckoutSession is the fallback-sync read: what has actually been
// paid on this session, straight from the gateway.
func (c *Client) RetrieveCheckoutSession(ctx context.Context, sessionID string) (*CheckoutSession, error) {
	var resp sessionResponse
	if err := c.do(ctx, http.MethodGet, "/checkout_sessions/"+sessionID, nil, &resp); err != nil {
		return nil, err
	}
	return resp.toSession(), nil
}

type sessionResponse struct {
	Data struct {
		ID         string `json:"id"`
		Attributes struct {
			CheckoutURL   string `json:"checkout_url"`
			PaymentIntent struct {
				Attributes struct {
					Status string `json:"status"`
				} `json:"attributes"`
			} `json:"payment_intent"`
			Payments []struct {
				Attributes struct {
					Amount int64  `json:"amount"`
					Status string `json:"status"`
				} `json:"attributes"`
			} `json:"payments"`
		} `json:"attributes"`
	} `json:"data"`
}

func (r *sessionResponse) toSession() *CheckoutSession {
	s := &CheckoutSession{
		ID:          r.Data.ID,
		CheckoutURL: r.Data.Attributes.CheckoutURL,
		Status:      r.Data.Attributes.PaymentIntent.Attributes.Status,
	}
	for _, p := range r.Data.Attributes.Payments {
		if p.Attributes.Status == "paid" {
			s.PaidCents += p.Attributes.Amount
		}
	}
	return s
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(c.SecretKey+":")))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status %d", ErrGatewayUnavailable, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("paymongo: status %d: %s", resp.StatusCode, bytes.TrimSpace(b))
	}
	return json.Unmarshal(b, out)
}
