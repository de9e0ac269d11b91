package slack

import (
	"net/http"
	"time"

	"github.com/smallbiznis/pawbill/internal/config"
	"github.com/smallbiznis/pawbill/internal/observability/tracing"
	"go.uber.org/fx"
)

var Module = fx.Module("providers.slack",
	fx.Provide(NewFromConfig),
)

func NewFromConfig(cfg config.Config) Provider {
	if cfg.Slack.WebhookURL == "" {
		return Disabled{}
	}
	return NewWebhook(cfg.Slack.WebhookURL, tracing.WrapHTTPClient(&http.Client{Timeout: 10 * time.Second}))
}
