package domain

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// ChargeRequest charges a vaulted customer profile. Amounts are integer cents.
type ChargeRequest struct {
	CustomerProfileID string
	PaymentProfileID  string
	AmountCents       int64
	Currency          string
	InvoiceNumber     string
	Description       string
}

type ChargeResult struct {
	TransactionID string
	ResponseCode  string
	AuthCode      string
	AccountNumber string
	AccountType   string
}

// Gateway executes one charge per call and never retries internally.
type Gateway interface {
	Provider() string
	IsConfigured() bool
	ChargeCustomerProfile(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
}

type AdapterConfig struct {
	APILoginID     string
	TransactionKey string
	Environment    string
	Timeout        time.Duration
	HTTPClient     *http.Client
}

type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (Gateway, error)
}

// DeclineError is returned when the gateway answered and refused the charge.
type DeclineError struct {
	Code    string
	Message string
}

func (e *DeclineError) Error() string {
	if e.Code == "" {
		return "payment declined: " + e.Message
	}
	return "payment declined (" + e.Code + "): " + e.Message
}

func IsDecline(err error) bool {
	var decline *DeclineError
	return errors.As(err, &decline)
}

var (
	ErrProviderNotFound = errors.New("payment_provider_not_found")
	ErrInvalidConfig    = errors.New("invalid_payment_config")
	ErrInvalidRequest   = errors.New("invalid_charge_request")
	ErrGatewayResponse  = errors.New("invalid_gateway_response")
)
