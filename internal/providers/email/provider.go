package email

import "context"

// Provider delivers billing emails to storefront customers. It is the
// fallback channel when no CRM webhook is configured.
type Provider interface {
	Send(ctx context.Context, to []string, subject string, htmlBody string) error
	// SendTemplate renders one of the embedded payment templates with data.
	SendTemplate(ctx context.Context, to []string, templateName string, data interface{}) error
}

// Disabled stands in when SMTP is not configured. Every send is dropped.
type Disabled struct{}

func (Disabled) Send(ctx context.Context, to []string, subject string, htmlBody string) error {
	return nil
}

func (Disabled) SendTemplate(ctx context.Context, to []string, templateName string, data interface{}) error {
	return nil
}
