package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/smallbiznis/pawbill/internal/authorization"
	billingdomain "github.com/smallbiznis/pawbill/internal/billing/domain"
	"github.com/smallbiznis/pawbill/internal/config"
	invoicedomain "github.com/smallbiznis/pawbill/internal/invoice/domain"
	"github.com/smallbiznis/pawbill/internal/observability"
	subscriptiondomain "github.com/smallbiznis/pawbill/internal/subscription/domain"
	"github.com/smallbiznis/pawbill/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

const (
	testCronSecret = "cron-secret"
	testJWTSecret  = "jwt-secret"
	testIssuer     = "pawbill"
)

type fakeBilling struct {
	runs     []billingdomain.RunRequest
	runFn    func(billingdomain.RunRequest) (billingdomain.RunSummary, error)
	manual   []string
	manualFn func(id snowflake.ID) (billingdomain.RunSummary, error)
}

func (f *fakeBilling) Run(ctx context.Context, req billingdomain.RunRequest) (billingdomain.RunSummary, error) {
	f.runs = append(f.runs, req)
	if f.runFn != nil {
		return f.runFn(req)
	}
	return billingdomain.RunSummary{}, nil
}

func (f *fakeBilling) TriggerManual(ctx context.Context, id snowflake.ID, actorID string) (billingdomain.RunSummary, error) {
	f.manual = append(f.manual, fmt.Sprintf("%s:%s", id, actorID))
	if f.manualFn != nil {
		return f.manualFn(id)
	}
	return billingdomain.RunSummary{Processed: 1, Succeeded: 1}, nil
}

type fakeSubscriptions struct {
	reactivateErr error
	historyPages  []pagination.Pagination
}

func (f *fakeSubscriptions) GetByID(ctx context.Context, id string) (*subscriptiondomain.Subscription, error) {
	return nil, subscriptiondomain.ErrSubscriptionNotFound
}

func (f *fakeSubscriptions) ListHistory(ctx context.Context, id string, page pagination.Pagination) (subscriptiondomain.ListHistoryResponse, error) {
	f.historyPages = append(f.historyPages, page)
	return subscriptiondomain.ListHistoryResponse{
		PageInfo: pagination.PageInfo{HasMore: true, NextPageToken: "next"},
		Entries: []*subscriptiondomain.HistoryEntry{
			{ID: 7, Action: subscriptiondomain.HistoryActionPaymentFailed},
		},
	}, nil
}

func (f *fakeSubscriptions) Reactivate(ctx context.Context, id string, actorID string) (*subscriptiondomain.Subscription, error) {
	if f.reactivateErr != nil {
		return nil, f.reactivateErr
	}
	return &subscriptiondomain.Subscription{ID: 42, Status: subscriptiondomain.SubscriptionStatusActive}, nil
}

func (f *fakeSubscriptions) RecordManualBilling(ctx context.Context, id string, actorID string) error {
	return nil
}

type fakeInvoices struct {
	paid bool
}

func (f *fakeInvoices) GetByID(ctx context.Context, id string) (*invoicedomain.Invoice, error) {
	if id == "404" {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	return &invoicedomain.Invoice{ID: 9, InvoiceNumber: "INV-20250101-TEST"}, nil
}

func (f *fakeInvoices) ListBySubscription(ctx context.Context, subscriptionID string, page pagination.Pagination) (invoicedomain.ListInvoicesResponse, error) {
	return invoicedomain.ListInvoicesResponse{Invoices: []*invoicedomain.Invoice{{ID: 9}}}, nil
}

func (f *fakeInvoices) RenderReceipt(ctx context.Context, id string) (io.Reader, error) {
	if !f.paid {
		return nil, invoicedomain.ErrInvoiceNotPaid
	}
	return strings.NewReader("%PDF-1.3 receipt"), nil
}

type testServer struct {
	engine        *gin.Engine
	billing       *fakeBilling
	subscriptions *fakeSubscriptions
	invoices      *fakeInvoices
}

func newTestServer(t *testing.T, mutate func(cfg *config.Config)) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	enforcer, err := authorization.NewEnforcer(db)
	require.NoError(t, err)

	log := zaptest.NewLogger(t)
	cfg := config.Config{
		CronSecret:    testCronSecret,
		AuthJWTSecret: testJWTSecret,
		AuthJWTIssuer: testIssuer,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	ts := &testServer{
		engine:        NewEngine(observability.Config{Environment: "test"}, nil),
		billing:       &fakeBilling{},
		subscriptions: &fakeSubscriptions{},
		invoices:      &fakeInvoices{},
	}
	NewServer(ServerParams{
		Gin:             ts.engine,
		Cfg:             cfg,
		Log:             log,
		BillingSvc:      ts.billing,
		SubscriptionSvc: ts.subscriptions,
		InvoiceSvc:      ts.invoices,
		AuthzSvc:        authorization.NewService(authorization.Params{Log: log, Enforcer: enforcer}),
	})
	return ts
}

func (ts *testServer) do(method, path, token string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		payload, _ := json.Marshal(body)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	rec := httptest.NewRecorder()
	ts.engine.ServeHTTP(rec, req)
	return rec
}

func adminToken(t *testing.T, subject, role string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, adminClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    testIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return signed
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func errorType(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decode(t, rec)
	payload, ok := body["error"].(map[string]any)
	require.True(t, ok, rec.Body.String())
	return payload["type"].(string)
}

func TestProcessBillingRejectsBadSecret(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodPost, "/api/cron/process-billing", "wrong", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", errorType(t, rec))

	rec = ts.do(http.MethodPost, "/api/cron/process-billing", "", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, ts.billing.runs)
}

func TestProcessBillingNothingDue(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodPost, "/api/cron/process-billing", testCronSecret, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decode(t, rec)
	assert.Equal(t, "No subscriptions due for billing", body["message"])
	results := body["results"].(map[string]any)
	assert.EqualValues(t, 0, results["processed"])
	assert.Equal(t, []any{}, results["errors"])

	require.Len(t, ts.billing.runs, 1)
	assert.Nil(t, ts.billing.runs[0].SubscriptionID)
}

func TestProcessBillingReportsSummary(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.billing.runFn = func(billingdomain.RunRequest) (billingdomain.RunSummary, error) {
		return billingdomain.RunSummary{
			Processed: 3,
			Succeeded: 2,
			Failed:    1,
			Skipped:   1,
			Errors:    []billingdomain.SubscriptionError{{SubscriptionID: "11", Error: "card declined"}},
		}, nil
	}

	rec := ts.do(http.MethodPost, "/api/cron/process-billing", testCronSecret, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decode(t, rec)
	assert.Equal(t, "Billing process completed", body["message"])
	results := body["results"].(map[string]any)
	assert.EqualValues(t, 3, results["processed"])
	assert.EqualValues(t, 2, results["succeeded"])
	assert.EqualValues(t, 1, results["failed"])
	assert.EqualValues(t, 1, results["skipped"])
	errs := results["errors"].([]any)
	require.Len(t, errs, 1)
	assert.Equal(t, "card declined", errs[0].(map[string]any)["error"])
}

func TestProcessBillingManualHeader(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodPost, "/api/cron/process-billing", testCronSecret, nil, map[string]string{
		HeaderManualSubscriptionID: "42",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, ts.billing.runs, 1)
	require.NotNil(t, ts.billing.runs[0].SubscriptionID)
	assert.Equal(t, snowflake.ID(42), *ts.billing.runs[0].SubscriptionID)

	rec = ts.do(http.MethodPost, "/api/cron/process-billing", testCronSecret, nil, map[string]string{
		HeaderManualSubscriptionID: "not-an-id",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, ts.billing.runs, 1)
}

func TestProcessBillingBatchFatal(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.billing.runFn = func(billingdomain.RunRequest) (billingdomain.RunSummary, error) {
		return billingdomain.RunSummary{}, errors.New("load billing candidates: connection refused")
	}

	rec := ts.do(http.MethodPost, "/api/cron/process-billing", testCronSecret, nil, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal_error", errorType(t, rec))
	assert.NotContains(t, rec.Body.String(), "connection refused")
}

func TestProcessBillingWithoutSecretIsOpen(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) { cfg.CronSecret = "" })

	rec := ts.do(http.MethodPost, "/api/cron/process-billing", "", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestManualBillingRequiresAdmin(t *testing.T) {
	ts := newTestServer(t, nil)
	body := map[string]string{"subscription_id": "42"}

	rec := ts.do(http.MethodPost, "/api/admin/subscriptions/manual-billing", "", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(http.MethodPost, "/api/admin/subscriptions/manual-billing", testCronSecret, body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(http.MethodPost, "/api/admin/subscriptions/manual-billing", adminToken(t, "support@example.com", "viewer"), body, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, ts.billing.manual)
}

func TestManualBilling(t *testing.T) {
	ts := newTestServer(t, nil)
	token := adminToken(t, "ops@example.com", "admin")

	rec := ts.do(http.MethodPost, "/api/admin/subscriptions/manual-billing", token, map[string]string{"subscription_id": "42"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decode(t, rec)
	assert.Equal(t, "Billing processed successfully", body["message"])
	assert.EqualValues(t, 1, body["result"].(map[string]any)["succeeded"])
	assert.Equal(t, []string{"42:ops@example.com"}, ts.billing.manual)
}

func TestManualBillingErrors(t *testing.T) {
	token := func(t *testing.T) string { return adminToken(t, "ops@example.com", "admin") }

	cases := []struct {
		name     string
		body     map[string]string
		err      error
		wantCode int
	}{
		{"missing id", map[string]string{}, nil, http.StatusBadRequest},
		{"malformed id", map[string]string{"subscription_id": "abc"}, nil, http.StatusBadRequest},
		{"unknown", map[string]string{"subscription_id": "42"}, billingdomain.ErrSubscriptionNotFound, http.StatusNotFound},
		{"not active", map[string]string{"subscription_id": "42"}, billingdomain.ErrSubscriptionNotActive, http.StatusBadRequest},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t, nil)
			ts.billing.manualFn = func(snowflake.ID) (billingdomain.RunSummary, error) {
				return billingdomain.RunSummary{}, tc.err
			}
			rec := ts.do(http.MethodPost, "/api/admin/subscriptions/manual-billing", token(t), tc.body, nil)
			assert.Equal(t, tc.wantCode, rec.Code, rec.Body.String())
		})
	}
}

func TestAdminRoutesUnavailableWithoutSecret(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) { cfg.AuthJWTSecret = "" })

	rec := ts.do(http.MethodGet, "/api/admin/subscriptions/42/history", "anything", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAdminRejectsWrongIssuer(t *testing.T) {
	ts := newTestServer(t, func(cfg *config.Config) { cfg.AuthJWTIssuer = "someone-else" })

	rec := ts.do(http.MethodGet, "/api/admin/subscriptions/42/history", adminToken(t, "ops@example.com", "admin"), nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestReactivateSubscription(t *testing.T) {
	ts := newTestServer(t, nil)
	token := adminToken(t, "ops@example.com", "admin")

	rec := ts.do(http.MethodPost, "/api/admin/subscriptions/42/reactivate", token, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	data := decode(t, rec)["data"].(map[string]any)
	assert.Equal(t, "active", data["status"])

	ts.subscriptions.reactivateErr = subscriptiondomain.ErrSubscriptionNotPastDue
	rec = ts.do(http.MethodPost, "/api/admin/subscriptions/42/reactivate", token, nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "conflict", errorType(t, rec))

	rec = ts.do(http.MethodPost, "/api/admin/subscriptions/42/reactivate", adminToken(t, "support@example.com", "viewer"), nil, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestListSubscriptionHistory(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodGet, "/api/admin/subscriptions/42/history?page_size=5&page_token=abc", adminToken(t, "support@example.com", "viewer"), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decode(t, rec)
	assert.Len(t, body["data"].([]any), 1)
	assert.Equal(t, true, body["page_info"].(map[string]any)["has_more"])
	require.Len(t, ts.subscriptions.historyPages, 1)
	assert.Equal(t, 5, ts.subscriptions.historyPages[0].PageSize)
	assert.Equal(t, "abc", ts.subscriptions.historyPages[0].PageToken)
}

func TestListSubscriptionInvoices(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodGet, "/api/admin/subscriptions/42/invoices", adminToken(t, "ops@example.com", "admin"), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Len(t, decode(t, rec)["data"].([]any), 1)

	rec = ts.do(http.MethodGet, "/api/admin/subscriptions/abc/invoices", adminToken(t, "ops@example.com", "admin"), nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDownloadReceipt(t *testing.T) {
	ts := newTestServer(t, nil)
	token := adminToken(t, "ops@example.com", "admin")

	rec := ts.do(http.MethodGet, "/api/admin/invoices/9/receipt.pdf", token, nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	ts.invoices.paid = true
	rec = ts.do(http.MethodGet, "/api/admin/invoices/9/receipt.pdf", token, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "INV-20250101-TEST.pdf")
	assert.True(t, strings.HasPrefix(rec.Body.String(), "%PDF"))

	rec = ts.do(http.MethodGet, "/api/admin/invoices/404/receipt.pdf", token, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndFallback(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodGet, "/health", "", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(http.MethodGet, "/nope", "", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", errorType(t, rec))
}
