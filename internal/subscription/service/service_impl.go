package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/pawbill/internal/clock"
	subscriptiondomain "github.com/smallbiznis/pawbill/internal/subscription/domain"
	"github.com/smallbiznis/pawbill/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID *snowflake.Node
	clock clock.Clock
	repo  subscriptiondomain.Repository
}

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  subscriptiondomain.Repository
}

func NewService(p ServiceParam) subscriptiondomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("subscription.service"),

		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) GetByID(ctx context.Context, id string) (*subscriptiondomain.Subscription, error) {
	subscriptionID, err := parseID(id)
	if err != nil {
		return nil, err
	}

	subscription, err := s.repo.FindByID(ctx, s.db, subscriptionID)
	if err != nil {
		return nil, err
	}
	if subscription == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	return subscription, nil
}

func (s *Service) ListHistory(ctx context.Context, id string, page pagination.Pagination) (subscriptiondomain.ListHistoryResponse, error) {
	subscription, err := s.GetByID(ctx, id)
	if err != nil {
		return subscriptiondomain.ListHistoryResponse{}, err
	}

	before, err := page.After()
	if err != nil {
		return subscriptiondomain.ListHistoryResponse{}, err
	}

	limit := page.Limit()
	entries, err := s.repo.ListHistory(ctx, s.db, subscription.ID, before, limit+1)
	if err != nil {
		return subscriptiondomain.ListHistoryResponse{}, err
	}

	entries, info := pagination.BuildPage(entries, limit, func(e *subscriptiondomain.HistoryEntry) snowflake.ID {
		return e.ID
	})
	if entries == nil {
		entries = []*subscriptiondomain.HistoryEntry{}
	}
	return subscriptiondomain.ListHistoryResponse{PageInfo: info, Entries: entries}, nil
}

func (s *Service) Reactivate(ctx context.Context, id string, actorID string) (*subscriptiondomain.Subscription, error) {
	subscriptionID, err := parseID(id)
	if err != nil {
		return nil, err
	}

	var reactivated *subscriptiondomain.Subscription
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		subscription, err := s.repo.FindByID(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		if subscription == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}
		if subscription.Status != subscriptiondomain.SubscriptionStatusPastDue {
			return subscriptiondomain.ErrSubscriptionNotPastDue
		}

		now := s.clock.Now()
		updated, err := s.repo.UpdateStatus(ctx, tx, subscription.ID, subscription.Version, subscriptiondomain.SubscriptionStatusActive, now)
		if err != nil {
			return err
		}
		if !updated {
			return subscriptiondomain.ErrSubscriptionConflict
		}

		if err := s.repo.InsertHistory(ctx, tx, &subscriptiondomain.HistoryEntry{
			ID:             s.genID.Generate(),
			SubscriptionID: subscription.ID,
			Action:         subscriptiondomain.HistoryActionReactivated,
			OldStatus:      subscriptiondomain.SubscriptionStatusPastDue,
			NewStatus:      subscriptiondomain.SubscriptionStatusActive,
			ActorType:      subscriptiondomain.ActorTypeAdmin,
			ActorID:        actorID,
			Notes:          "Subscription reactivated by admin",
			CreatedAt:      now,
		}); err != nil {
			return err
		}

		subscription.Status = subscriptiondomain.SubscriptionStatusActive
		subscription.Version++
		subscription.UpdatedAt = now
		reactivated = subscription
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("subscription reactivated",
		zap.String("subscription_id", reactivated.ID.String()),
		zap.String("actor_id", actorID),
	)
	return reactivated, nil
}

func (s *Service) RecordManualBilling(ctx context.Context, id string, actorID string) error {
	subscription, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}

	return s.repo.InsertHistory(ctx, s.db, &subscriptiondomain.HistoryEntry{
		ID:             s.genID.Generate(),
		SubscriptionID: subscription.ID,
		Action:         subscriptiondomain.HistoryActionManualBillingTriggered,
		OldStatus:      subscription.Status,
		NewStatus:      subscription.Status,
		ActorType:      subscriptiondomain.ActorTypeAdmin,
		ActorID:        actorID,
		Notes:          fmt.Sprintf("Manual billing triggered by %s", actorID),
		CreatedAt:      s.clock.Now(),
	})
}

func parseID(value string) (snowflake.ID, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, subscriptiondomain.ErrInvalidSubscription
	}
	id, err := snowflake.ParseString(trimmed)
	if err != nil || id <= 0 {
		return 0, subscriptiondomain.ErrInvalidSubscription
	}
	return id, nil
}
