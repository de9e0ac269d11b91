package slack

import "context"

// Provider posts billing ops alerts, such as a subscription going past due.
type Provider interface {
	PostMessage(ctx context.Context, channel string, message string) error
}

// Disabled stands in when no webhook is configured. Alerts are dropped.
type Disabled struct{}

func (Disabled) PostMessage(ctx context.Context, channel string, message string) error {
	return nil
}
