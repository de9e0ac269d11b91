package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	billingdomain "github.com/smallbiznis/pawbill/internal/billing/domain"
	"go.uber.org/zap"
)

const (
	messageNothingDue     = "No subscriptions due for billing"
	messageBillingDone    = "Billing process completed"
	messageManualBillDone = "Billing processed successfully"
)

type manualBillingRequest struct {
	SubscriptionID string `json:"subscription_id"`
}

// ProcessBilling runs one billing pass. X-Manual-Subscription-ID narrows the
// pass to a single subscription.
func (s *Server) ProcessBilling(c *gin.Context) {
	subscriptionID, err := parseOptionalSnowflakeID(c.GetHeader(HeaderManualSubscriptionID))
	if err != nil {
		AbortWithError(c, newValidationError("subscription_id", "invalid_subscription_id", "invalid subscription id"))
		return
	}

	summary, err := s.billingSvc.Run(c.Request.Context(), billingdomain.RunRequest{
		SubscriptionID: subscriptionID,
		Actor:          "cron",
	})
	if err != nil {
		s.log.Error("billing run failed", zap.Error(err))
		AbortWithError(c, err)
		return
	}

	message := messageBillingDone
	if summary.Processed == 0 {
		message = messageNothingDue
	}
	c.JSON(http.StatusOK, gin.H{"message": message, "results": normalizeSummary(summary)})
}

// ManualBilling bills one active subscription now and records who asked.
func (s *Server) ManualBilling(c *gin.Context) {
	var req manualBillingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if strings.TrimSpace(req.SubscriptionID) == "" {
		AbortWithError(c, newValidationError("subscription_id", "required", "subscription_id is required"))
		return
	}
	subscriptionID, err := parseSnowflakeID(req.SubscriptionID)
	if err != nil {
		AbortWithError(c, newValidationError("subscription_id", "invalid_subscription_id", "invalid subscription id"))
		return
	}

	actor, _ := actorFromContext(c)
	summary, err := s.billingSvc.TriggerManual(c.Request.Context(), subscriptionID, actor.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": messageManualBillDone, "result": normalizeSummary(summary)})
}

func normalizeSummary(summary billingdomain.RunSummary) billingdomain.RunSummary {
	if summary.Errors == nil {
		summary.Errors = []billingdomain.SubscriptionError{}
	}
	return summary
}
