package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/pawbill/internal/authorization"
	"github.com/smallbiznis/pawbill/internal/billing"
	billingdomain "github.com/smallbiznis/pawbill/internal/billing/domain"
	"github.com/smallbiznis/pawbill/internal/clock"
	"github.com/smallbiznis/pawbill/internal/config"
	"github.com/smallbiznis/pawbill/internal/customer"
	"github.com/smallbiznis/pawbill/internal/invoice"
	"github.com/smallbiznis/pawbill/internal/lock"
	"github.com/smallbiznis/pawbill/internal/migration"
	"github.com/smallbiznis/pawbill/internal/notification"
	"github.com/smallbiznis/pawbill/internal/observability"
	"github.com/smallbiznis/pawbill/internal/order"
	"github.com/smallbiznis/pawbill/internal/payment"
	"github.com/smallbiznis/pawbill/internal/providers"
	"github.com/smallbiznis/pawbill/internal/scheduler"
	"github.com/smallbiznis/pawbill/internal/server"
	"github.com/smallbiznis/pawbill/internal/subscription"
	"github.com/smallbiznis/pawbill/pkg/db"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

var Version = "dev"

var rootCmd = &cobra.Command{
	Use:          "pawbill",
	Short:        "Recurring subscription billing for the pet nutrition storefront",
	Version:      Version,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the daily billing schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		app := fx.New(
			infrastructure(),
			migration.Module,
			domains(),
			scheduler.Module,
			authorization.Module,
			server.Module,
		)
		if err := app.Err(); err != nil {
			return err
		}
		app.Run()
		return nil
	},
}

var billSubscription string

var billCmd = &cobra.Command{
	Use:   "bill",
	Short: "Run one billing pass and print the summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		var subscriptionID *snowflake.ID
		if billSubscription != "" {
			id, err := snowflake.ParseString(billSubscription)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid subscription id %q", billSubscription)
			}
			subscriptionID = &id
		}

		var (
			svc    billingdomain.Service
			policy *config.BillingPolicyHolder
		)
		app := fx.New(
			fx.NopLogger,
			infrastructure(),
			domains(),
			fx.Populate(&svc, &policy),
		)
		return runApp(cmd.Context(), app, func(ctx context.Context) error {
			runCtx, cancel := context.WithTimeout(ctx, policy.Get().RunTimeout)
			defer cancel()

			summary, err := svc.Run(runCtx, billingdomain.RunRequest{
				SubscriptionID: subscriptionID,
				Actor:          "cli",
			})
			if err != nil {
				return err
			}
			if summary.Errors == nil {
				summary.Errors = []billingdomain.SubscriptionError{}
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(summary)
		})
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Bring the database schema up to date",
	RunE: func(cmd *cobra.Command, args []string) error {
		app := fx.New(
			fx.NopLogger,
			infrastructure(),
			migration.Module,
		)
		return runApp(cmd.Context(), app, func(context.Context) error { return nil })
	},
}

func init() {
	billCmd.Flags().StringVar(&billSubscription, "subscription", "", "bill only this subscription id")
	rootCmd.AddCommand(serveCmd, billCmd, migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func infrastructure() fx.Option {
	return fx.Options(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		lock.Module,
	)
}

func domains() fx.Option {
	return fx.Options(
		providers.Module,
		payment.Module,
		notification.Module,
		customer.Module,
		order.Module,
		subscription.Module,
		invoice.Module,
		billing.Module,
	)
}

// runApp starts app, runs fn and always stops app afterwards.
func runApp(ctx context.Context, app *fx.App, fn func(context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}

	runErr := fn(ctx)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil && runErr == nil {
		return err
	}
	return runErr
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}
