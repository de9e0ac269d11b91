package authorizenet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/smallbiznis/pawbill/internal/invoice/format"
	paymentdomain "github.com/smallbiznis/pawbill/internal/payment/domain"
)

const (
	ProductionEndpoint = "https://api.authorize.net/xml/v1/request.api"
	SandboxEndpoint    = "https://apitest.authorize.net/xml/v1/request.api"

	defaultTimeout = 30 * time.Second
	resultCodeOK   = "Ok"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return "authorizenet"
}

// NewAdapter builds an adapter even without credentials so the billing run
// can report the gateway as unconfigured per subscription.
func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.Gateway, error) {
	endpoint := SandboxEndpoint
	switch strings.ToLower(strings.TrimSpace(cfg.Environment)) {
	case "", "sandbox":
	case "production":
		endpoint = ProductionEndpoint
	default:
		return nil, fmt.Errorf("%w: unknown authorize.net environment %q", paymentdomain.ErrInvalidConfig, cfg.Environment)
	}

	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}

	return &Adapter{
		loginID:        strings.TrimSpace(cfg.APILoginID),
		transactionKey: strings.TrimSpace(cfg.TransactionKey),
		endpoint:       endpoint,
		client:         client,
	}, nil
}

type Adapter struct {
	loginID        string
	transactionKey string
	endpoint       string
	client         *http.Client
}

func (a *Adapter) Provider() string {
	return "authorizenet"
}

func (a *Adapter) IsConfigured() bool {
	return a.loginID != "" && a.transactionKey != ""
}

func (a *Adapter) ChargeCustomerProfile(ctx context.Context, req paymentdomain.ChargeRequest) (*paymentdomain.ChargeResult, error) {
	if !a.IsConfigured() {
		return nil, paymentdomain.ErrInvalidConfig
	}
	if strings.TrimSpace(req.CustomerProfileID) == "" || strings.TrimSpace(req.PaymentProfileID) == "" {
		return nil, paymentdomain.ErrInvalidRequest
	}
	if req.AmountCents <= 0 {
		return nil, paymentdomain.ErrInvalidRequest
	}

	payload := createTransactionEnvelope{
		Request: createTransactionRequest{
			MerchantAuthentication: merchantAuthentication{
				Name:           a.loginID,
				TransactionKey: a.transactionKey,
			},
			TransactionRequest: transactionRequest{
				TransactionType: "authCaptureTransaction",
				Amount:          format.Amount(req.AmountCents),
				Profile: &profile{
					CustomerProfileID: req.CustomerProfileID,
					PaymentProfile:    paymentProfile{PaymentProfileID: req.PaymentProfileID},
				},
			},
		},
	}
	if req.InvoiceNumber != "" {
		description := req.Description
		if description == "" {
			description = "Subscription payment"
		}
		payload.Request.TransactionRequest.Order = &order{
			InvoiceNumber: truncate(req.InvoiceNumber, 20),
			Description:   truncate(description, 255),
		}
	}

	var resp createTransactionResponse
	if err := a.post(ctx, payload, &resp); err != nil {
		return nil, err
	}

	if resp.Messages.ResultCode != resultCodeOK {
		return nil, declineFrom(resp)
	}

	tx := resp.TransactionResponse
	if tx == nil || strings.TrimSpace(tx.TransID) == "" {
		return nil, paymentdomain.ErrGatewayResponse
	}
	return &paymentdomain.ChargeResult{
		TransactionID: tx.TransID,
		ResponseCode:  tx.ResponseCode,
		AuthCode:      tx.AuthCode,
		AccountNumber: tx.AccountNumber,
		AccountType:   tx.AccountType,
	}, nil
}

func (a *Adapter) post(ctx context.Context, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := a.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("authorize.net request: %w", err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("authorize.net read: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("%w: http status %d", paymentdomain.ErrGatewayResponse, res.StatusCode)
	}

	// The API prefixes JSON bodies with a UTF-8 byte order mark.
	raw = bytes.TrimPrefix(raw, []byte("\xef\xbb\xbf"))
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v", paymentdomain.ErrGatewayResponse, err)
	}
	return nil
}

func declineFrom(resp createTransactionResponse) error {
	if tx := resp.TransactionResponse; tx != nil && len(tx.Errors) > 0 {
		return &paymentdomain.DeclineError{Code: tx.Errors[0].ErrorCode, Message: tx.Errors[0].ErrorText}
	}
	if len(resp.Messages.Message) > 0 {
		return &paymentdomain.DeclineError{Code: resp.Messages.Message[0].Code, Message: resp.Messages.Message[0].Text}
	}
	return &paymentdomain.DeclineError{Message: "transaction was not approved"}
}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	return value[:max]
}

type createTransactionEnvelope struct {
	Request createTransactionRequest `json:"createTransactionRequest"`
}

type createTransactionRequest struct {
	MerchantAuthentication merchantAuthentication `json:"merchantAuthentication"`
	TransactionRequest     transactionRequest     `json:"transactionRequest"`
}

type merchantAuthentication struct {
	Name           string `json:"name"`
	TransactionKey string `json:"transactionKey"`
}

type transactionRequest struct {
	TransactionType string   `json:"transactionType"`
	Amount          string   `json:"amount"`
	Profile         *profile `json:"profile,omitempty"`
	Order           *order   `json:"order,omitempty"`
}

type profile struct {
	CustomerProfileID string         `json:"customerProfileId"`
	PaymentProfile    paymentProfile `json:"paymentProfile"`
}

type paymentProfile struct {
	PaymentProfileID string `json:"paymentProfileId"`
}

type order struct {
	InvoiceNumber string `json:"invoiceNumber"`
	Description   string `json:"description,omitempty"`
}

type createTransactionResponse struct {
	TransactionResponse *transactionResponse `json:"transactionResponse"`
	Messages            messages             `json:"messages"`
}

type transactionResponse struct {
	ResponseCode  string             `json:"responseCode"`
	AuthCode      string             `json:"authCode"`
	TransID       string             `json:"transId"`
	AccountNumber string             `json:"accountNumber"`
	AccountType   string             `json:"accountType"`
	Errors        []transactionError `json:"errors"`
}

type transactionError struct {
	ErrorCode string `json:"errorCode"`
	ErrorText string `json:"errorText"`
}

type messages struct {
	ResultCode string    `json:"resultCode"`
	Message    []message `json:"message"`
}

type message struct {
	Code string `json:"code"`
	Text string `json:"text"`
}
