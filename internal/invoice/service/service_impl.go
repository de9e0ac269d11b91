package service

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/pawbill/internal/config"
	customerdomain "github.com/smallbiznis/pawbill/internal/customer/domain"
	invoicedomain "github.com/smallbiznis/pawbill/internal/invoice/domain"
	"github.com/smallbiznis/pawbill/internal/invoice/format"
	orderdomain "github.com/smallbiznis/pawbill/internal/order/domain"
	"github.com/smallbiznis/pawbill/internal/providers/pdf"
	subscriptiondomain "github.com/smallbiznis/pawbill/internal/subscription/domain"
	"github.com/smallbiznis/pawbill/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const storeName = "Pawbill Pet Nutrition"

type ServiceParam struct {
	fx.In

	DB               *gorm.DB
	Log              *zap.Logger
	Repo             invoicedomain.Repository
	SubscriptionRepo subscriptiondomain.Repository
	CustomerRepo     customerdomain.Repository
	OrderRepo        orderdomain.Repository
	PDF              pdf.Provider
	Config           config.Config
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	repo             invoicedomain.Repository
	subscriptionRepo subscriptiondomain.Repository
	customerRepo     customerdomain.Repository
	orderRepo        orderdomain.Repository
	pdf              pdf.Provider
	storeEmail       string
}

func NewService(p ServiceParam) invoicedomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("invoice.service"),

		repo:             p.Repo,
		subscriptionRepo: p.SubscriptionRepo,
		customerRepo:     p.CustomerRepo,
		orderRepo:        p.OrderRepo,
		pdf:              p.PDF,
		storeEmail:       p.Config.Email.SMTPFrom,
	}
}

func (s *Service) GetByID(ctx context.Context, id string) (*invoicedomain.Invoice, error) {
	invoiceID, err := parseID(id, invoicedomain.ErrInvalidInvoice)
	if err != nil {
		return nil, err
	}

	invoice, err := s.repo.FindByID(ctx, s.db, invoiceID)
	if err != nil {
		return nil, err
	}
	if invoice == nil {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	return invoice, nil
}

func (s *Service) ListBySubscription(ctx context.Context, subscriptionID string, page pagination.Pagination) (invoicedomain.ListInvoicesResponse, error) {
	subID, err := parseID(subscriptionID, subscriptiondomain.ErrInvalidSubscription)
	if err != nil {
		return invoicedomain.ListInvoicesResponse{}, err
	}

	subscription, err := s.subscriptionRepo.FindByID(ctx, s.db, subID)
	if err != nil {
		return invoicedomain.ListInvoicesResponse{}, err
	}
	if subscription == nil {
		return invoicedomain.ListInvoicesResponse{}, subscriptiondomain.ErrSubscriptionNotFound
	}

	before, err := page.After()
	if err != nil {
		return invoicedomain.ListInvoicesResponse{}, err
	}

	limit := page.Limit()
	invoices, err := s.repo.ListBySubscription(ctx, s.db, subID, before, limit+1)
	if err != nil {
		return invoicedomain.ListInvoicesResponse{}, err
	}

	invoices, info := pagination.BuildPage(invoices, limit, func(i *invoicedomain.Invoice) snowflake.ID {
		return i.ID
	})
	if invoices == nil {
		invoices = []*invoicedomain.Invoice{}
	}
	return invoicedomain.ListInvoicesResponse{PageInfo: info, Invoices: invoices}, nil
}

func (s *Service) RenderReceipt(ctx context.Context, id string) (io.Reader, error) {
	invoice, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !invoice.IsPaid() {
		return nil, invoicedomain.ErrInvoiceNotPaid
	}

	subscription, err := s.subscriptionRepo.FindByID(ctx, s.db, invoice.SubscriptionID)
	if err != nil {
		return nil, err
	}
	if subscription == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}

	customer, err := s.customerRepo.FindByID(ctx, s.db, subscription.CustomerID)
	if err != nil {
		return nil, err
	}

	data := pdf.ReceiptData{
		StoreName:     storeName,
		StoreEmail:    s.storeEmail,
		InvoiceNumber: invoice.InvoiceNumber,
		BillingDate:   invoice.BillingDate.String(),
		Frequency:     string(subscription.Frequency),
		Subtotal:      format.Money(invoice.SubtotalCents, invoice.Currency),
		Total:         format.Money(invoice.TotalCents, invoice.Currency),
	}
	if invoice.TaxCents != 0 {
		data.Tax = format.Money(invoice.TaxCents, invoice.Currency)
	}
	if invoice.ShippingCents != 0 {
		data.Shipping = format.Money(invoice.ShippingCents, invoice.Currency)
	}
	if invoice.DiscountCents != 0 {
		data.Discount = "-" + format.Money(invoice.DiscountCents, invoice.Currency)
	}
	if invoice.PaidAt != nil {
		data.DatePaid = invoice.PaidAt.UTC().Format("2006-01-02")
	}
	if invoice.TransactionID != nil {
		data.TransactionID = *invoice.TransactionID
	}
	if customer != nil {
		data.BillToName = customer.FullName()
		data.BillToEmail = customer.Email
	}

	if invoice.OrderID != nil {
		order, err := s.orderRepo.FindByID(ctx, s.db, *invoice.OrderID)
		if err != nil {
			return nil, err
		}
		if order != nil {
			data.OrderNumber = order.OrderNumber
		}
	}

	if invoice.PaymentMethodID != nil {
		method, err := s.customerRepo.FindPaymentMethod(ctx, s.db, *invoice.PaymentMethodID)
		if err != nil {
			return nil, err
		}
		if method != nil {
			data.CardLabel = cardLabel(method)
		}
	}

	for _, item := range subscription.Items {
		description := item.ProductName
		if item.VariantTitle != "" {
			description += " - " + item.VariantTitle
		}
		data.Items = append(data.Items, pdf.ReceiptItem{
			Description: description,
			Qty:         item.Quantity,
			UnitPrice:   format.Money(item.PriceCents, invoice.Currency),
			Amount:      format.Money(item.PriceCents*int64(item.Quantity), invoice.Currency),
		})
	}

	reader, err := s.pdf.GenerateReceipt(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("render receipt: %w", err)
	}
	return reader, nil
}

func cardLabel(method *customerdomain.PaymentMethod) string {
	cardType := strings.TrimSpace(method.CardType)
	if cardType == "" {
		cardType = "Card"
	}
	if method.LastFour == "" {
		return cardType
	}
	return fmt.Sprintf("%s ending %s", cardType, method.LastFour)
}

func parseID(value string, invalid error) (snowflake.ID, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, invalid
	}
	id, err := snowflake.ParseString(trimmed)
	if err != nil || id <= 0 {
		return 0, invalid
	}
	return id, nil
}
