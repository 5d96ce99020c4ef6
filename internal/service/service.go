package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"tillcore/backend/internal/cache"
	"tillcore/backend/internal/currency"
	"tillcore/backend/internal/domain"
	"tillcore/backend/internal/events"
	"tillcore/backend/internal/rates"
	"tillcore/backend/internal/store"
	"tillcore/backend/internal/xid"
)

var ErrForbidden = errors.New("forbidden")

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Auditor receives audit entries after the business transaction commits.
// audit.Writer is the production implementation.
type Auditor interface {
	Append(ctx context.Context, entry domain.AuditLog)
}

type Options struct {
	Settings         domain.Settings
	Auditor          Auditor
	Publisher        events.Publisher
	CurrencyCache    cache.CurrencyCache
	CurrencyCacheTTL time.Duration
	RateSource       rates.Source
	Logger           *zap.Logger
	Now              func() time.Time
}

type Service struct {
	repo          store.Repository
	settings      domain.Settings
	auditor       Auditor
	publisher     events.Publisher
	currencyCache cache.CurrencyCache
	cacheTTL      time.Duration
	rateSource    rates.Source
	loads         singleflight.Group
	logger        *zap.Logger
	now           func() time.Time
}

func New(repo store.Repository, opts Options) *Service {
	s := &Service{
		repo:          repo,
		settings:      opts.Settings,
		auditor:       opts.Auditor,
		publisher:     opts.Publisher,
		currencyCache: opts.CurrencyCache,
		cacheTTL:      opts.CurrencyCacheTTL,
		rateSource:    opts.RateSource,
		logger:        opts.Logger,
		now:           opts.Now,
	}
	s.settings.BaseCurrency = currency.Normalize(s.settings.BaseCurrency)
	if s.settings.BaseCurrency == "" {
		s.settings.BaseCurrency = "USD"
	}
	if s.publisher == nil {
		s.publisher = events.NoopPublisher{}
	}
	if s.currencyCache == nil {
		s.currencyCache = cache.NoopCurrencyCache{}
	}
	if s.cacheTTL <= 0 {
		s.cacheTTL = time.Minute
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s
}

func (s *Service) Settings() domain.Settings {
	return s.settings
}

func actorOrSystem(ctx context.Context) domain.Actor {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Username == "" {
		return domain.Actor{Username: "system", Role: "system"}
	}
	return actor
}

func requireRole(ctx context.Context, roles ...string) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.Actor{}, fmt.Errorf("%w: no authenticated actor", ErrForbidden)
	}
	for _, role := range roles {
		if actor.Role == role {
			return actor, nil
		}
	}
	return domain.Actor{}, fmt.Errorf("%w: %s role required", ErrForbidden, strings.Join(roles, " or "))
}

// logAudit runs after commit and never fails the caller.
func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	if s.auditor == nil {
		return
	}
	actor := actorOrSystem(ctx)
	s.auditor.Append(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now(),
	})
}

func (s *Service) publish(ctx context.Context, eventType string, key string, payload any) {
	event, err := events.New(eventType, key, actorOrSystem(ctx).Username, payload)
	if err != nil {
		s.logger.Warn("build event failed", zap.String("type", eventType), zap.String("key", key), zap.Error(err))
		return
	}
	s.publisher.Publish(ctx, event)
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	if _, err := requireRole(ctx, "admin"); err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 100
	}

	var from time.Time
	if strings.TrimSpace(date) == "" {
		from = s.now().Add(-24 * time.Hour)
	} else {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, store.Invalid("date", "must be YYYY-MM-DD")
		}
		from = parsed.UTC()
	}
	to := from.Add(24 * time.Hour)

	return s.repo.ListAuditLogs(ctx, from, to, limit)
}
