package domain

import (
	"context"
	"errors"
	"io"

	"github.com/smallbiznis/pawbill/pkg/db/pagination"
)

type ListInvoicesResponse struct {
	pagination.PageInfo
	Invoices []*Invoice `json:"invoices"`
}

type Service interface {
	GetByID(ctx context.Context, id string) (*Invoice, error)
	ListBySubscription(ctx context.Context, subscriptionID string, page pagination.Pagination) (ListInvoicesResponse, error)
	// RenderReceipt produces a PDF receipt for a paid invoice.
	RenderReceipt(ctx context.Context, id string) (io.Reader, error)
}

var (
	ErrInvalidInvoice  = errors.New("invalid_invoice")
	ErrInvoiceNotFound = errors.New("invoice_not_found")
	ErrInvoiceNotPaid  = errors.New("invoice_not_paid")
)
