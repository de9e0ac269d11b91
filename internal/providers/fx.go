package providers

import (
	"github.com/smallbiznis/pawbill/internal/providers/email"
	"github.com/smallbiznis/pawbill/internal/providers/pdf"
	"github.com/smallbiznis/pawbill/internal/providers/slack"
	"go.uber.org/fx"
)

var Module = fx.Module("providers",
	email.Module,
	pdf.Module,
	slack.Module,
)
