// Package gateway is the client for the external two-phase payment service (ready, approve).
// It shapes requests and maps responses. It keeps no state and never retries.
package gateway

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
)

const (
	defaultItemName = "GreenPoint Payment"
	defaultTimeout  = 10 * time.Second
)

// Config carries the credentials, endpoints and callback defaults of the gateway.
type Config struct {
	BaseURL     string
	ReadyPath   string
	ApprovePath string
	SecretKey   string
	CID         string
	Timeout     time.Duration

	CallbackHost string
	ApprovalPath string
	CancelPath   string
	FailPath     string
}

// Client is a client for the payment gateway API.
type Client struct {
	cfg        Config
	HTTPClient *http.Client
}

// NewClient creates a gateway client whose calls are bounded by cfg.Timeout.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{
		cfg: cfg,
		HTTPClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// CallbackURLs are where the gateway sends the payer's browser after the payment page.
type CallbackURLs struct {
	Approval string
	Cancel   string
	Fail     string
}

// ReserveRequest is the engine-side input to Reserve.
type ReserveRequest struct {
	OrderRef     string
	PayerRef     string
	ItemName     string
	Quantity     int
	Amount       int64
	GreenDeposit int64
	// CallbackToken is appended to the default callback URLs so only the payer's
	// redirect can act on the order.
	CallbackToken string
	Callbacks     CallbackURLs
}

// ReadyRequest is the wire payload of the ready call.
type ReadyRequest struct {
	CID            string `json:"cid"`
	PartnerOrderID string `json:"partner_order_id"`
	PartnerUserID  string `json:"partner_user_id"`
	ItemName       string `json:"item_name"`
	Quantity       int    `json:"quantity"`
	TotalAmount    int64  `json:"total_amount"`
	TaxFreeAmount  int64  `json:"tax_free_amount"`
	VatAmount      int64  `json:"vat_amount"`
	GreenDeposit   int64  `json:"green_deposit"`
	ApprovalURL    string `json:"approval_url"`
	CancelURL      string `json:"cancel_url"`
	FailURL        string `json:"fail_url"`
}

// ReadyResponse is the reservation payload. TID is the reservation id; the rest are
// redirect targets handed back to the caller untouched.
type ReadyResponse struct {
	TID                   string `json:"tid"`
	NextRedirectAppURL    string `json:"next_redirect_app_url,omitempty"`
	NextRedirectMobileURL string `json:"next_redirect_mobile_url,omitempty"`
	NextRedirectPcURL     string `json:"next_redirect_pc_url,omitempty"`
	AndroidAppScheme      string `json:"android_app_scheme,omitempty"`
	IosAppScheme          string `json:"ios_app_scheme,omitempty"`
	CreatedAt             string `json:"created_at,omitempty"`
}

// ApproveRequest is the wire payload of the approve call.
type ApproveRequest struct {
	CID            string `json:"cid"`
	TID            string `json:"tid"`
	PartnerOrderID string `json:"partner_order_id"`
	PartnerUserID  string `json:"partner_user_id"`
	PgToken        string `json:"pg_token"`
}

type Amount struct {
	Total        int64 `json:"total"`
	TaxFree      int64 `json:"tax_free"`
	Vat          int64 `json:"vat"`
	Point        int64 `json:"point"`
	Discount     int64 `json:"discount"`
	GreenDeposit int64 `json:"green_deposit"`
}

// ApproveResponse carries the authorization id (AID) and the payment method descriptor.
type ApproveResponse struct {
	AID               string `json:"aid"`
	TID               string `json:"tid"`
	PaymentMethodType string `json:"payment_method_type"`
	Amount            Amount `json:"amount"`
	ApprovedAt        string `json:"approved_at,omitempty"`
}

// ErrorResponse is a non-2xx answer from the gateway.
type ErrorResponse struct {
	StatusCode int    `json:"-"`
	Code       int    `json:"error_code"`
	Message    string `json:"error_message"`
}

func (e *ErrorResponse) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("gateway api error (status %d, code %d): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("gateway api error (status %d)", e.StatusCode)
}

// CallbackURLs builds the approval, cancel and fail URLs for an order. Each ends with
// the order reference followed by the callback token, when one is given.
func (c *Client) CallbackURLs(orderRef, token string) CallbackURLs {
	suffix := "/" + orderRef
	if token != "" {
		suffix += "/" + url.PathEscape(token)
	}
	build := func(path string) string {
		return strings.TrimRight(c.cfg.CallbackHost, "/") + path + suffix
	}
	return CallbackURLs{
		Approval: build(c.cfg.ApprovalPath),
		Cancel:   build(c.cfg.CancelPath),
		Fail:     build(c.cfg.FailPath),
	}
}

// Reserve opens a payment with the gateway and returns its reservation payload.
func (c *Client) Reserve(ctx context.Context, r ReserveRequest) (*ReadyResponse, error) {
	defaults := c.CallbackURLs(r.OrderRef, r.CallbackToken)
	if r.Callbacks.Approval == "" {
		r.Callbacks.Approval = defaults.Approval
	}
	if r.Callbacks.Cancel == "" {
		r.Callbacks.Cancel = defaults.Cancel
	}
	if r.Callbacks.Fail == "" {
		r.Callbacks.Fail = defaults.Fail
	}
	if r.ItemName == "" {
		r.ItemName = defaultItemName
	}
	if r.Quantity <= 0 {
		r.Quantity = 1
	}

	payload := ReadyRequest{
		CID:            c.cfg.CID,
		PartnerOrderID: r.OrderRef,
		PartnerUserID:  r.PayerRef,
		ItemName:       r.ItemName,
		Quantity:       r.Quantity,
		TotalAmount:    r.Amount,
		TaxFreeAmount:  0,
		VatAmount:      r.Amount / 11,
		GreenDeposit:   r.GreenDeposit,
		ApprovalURL:    r.Callbacks.Approval,
		CancelURL:      r.Callbacks.Cancel,
		FailURL:        r.Callbacks.Fail,
	}

	var out ReadyResponse
	if err := c.post(ctx, c.cfg.ReadyPath, payload, &out); err != nil {
		return nil, err
	}
	if out.TID == "" {
		return nil, fmt.Errorf("gateway ready response carried no tid")
	}
	return &out, nil
}

// Approve confirms a reserved payment using the token the gateway handed to the payer.
func (c *Client) Approve(ctx context.Context, reservationID, orderRef, payerRef, pgToken string) (*ApproveResponse, error) {
	payload := ApproveRequest{
		CID:            c.cfg.CID,
		TID:            reservationID,
		PartnerOrderID: orderRef,
		PartnerUserID:  payerRef,
		PgToken:        pgToken,
	}

	var out ApproveResponse
	if err := c.post(ctx, c.cfg.ApprovePath, payload, &out); err != nil {
		return nil, err
	}
	if out.AID == "" {
		return nil, fmt.Errorf("gateway approve response carried no aid")
	}
	return &out, nil
}

func (c *Client) post(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal gateway request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+path, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "SECRET_KEY "+c.cfg.SecretKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute gateway request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read gateway response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errResp := ErrorResponse{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			errResp.Message = "unparsable error body (" + strconv.Itoa(len(bodyBytes)) + " bytes)"
		}
		return &errResp
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode gateway response: %w", err)
	}
	return nil
}
