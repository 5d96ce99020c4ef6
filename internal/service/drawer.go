package service

import (
	"context"
	"fmt"
	"strings"

	"tillcore/backend/internal/domain"
	"tillcore/backend/internal/events"
	"tillcore/backend/internal/ledger"
	"tillcore/backend/internal/store"
	"tillcore/backend/internal/xid"
)

// OpenSession opens a drawer for the given user, defaulting to the caller.
// Only admins may open a drawer on behalf of someone else.
func (s *Service) OpenSession(ctx context.Context, req domain.SessionOpenRequest) (domain.SessionResponse, error) {
	actor, err := requireRole(ctx, "admin", "cashier")
	if err != nil {
		return domain.SessionResponse{}, err
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		userID = actor.Username
	}
	if userID != actor.Username && actor.Role != "admin" {
		return domain.SessionResponse{}, fmt.Errorf("%w: cannot open a drawer for %s", ErrForbidden, userID)
	}
	if req.OpeningAmount.IsNegative() {
		return domain.SessionResponse{}, store.Invalid("opening_amount", "must not be negative")
	}

	session, err := s.repo.OpenSession(ctx, domain.CashDrawerSession{
		ID:            xid.New("drw"),
		UserID:        userID,
		Status:        domain.SessionStatusOpen,
		OpeningAmount: req.OpeningAmount,
		OpenedAt:      s.now(),
		OpenedBy:      actor.Username,
	})
	if err != nil {
		return domain.SessionResponse{}, err
	}
	s.logAudit(ctx, "drawer.open", "drawer_session", session.ID,
		fmt.Sprintf("user=%s opening=%s", session.UserID, session.OpeningAmount))
	return domain.SessionResponse{Session: *session}, nil
}

// RecordActivity appends a sale, pay-in or pay-out to an open session.
func (s *Service) RecordActivity(ctx context.Context, sessionID string, req domain.ActivityRequest) (domain.SessionResponse, error) {
	if _, err := requireRole(ctx, "admin", "cashier"); err != nil {
		return domain.SessionResponse{}, err
	}
	activity := domain.CashDrawerActivity{
		ID:            xid.New("act"),
		SessionID:     strings.TrimSpace(sessionID),
		Type:          strings.ToLower(strings.TrimSpace(req.Type)),
		Amount:        req.Amount,
		CreatedAt:     s.now(),
		Note:          strings.TrimSpace(req.Note),
		PaymentMethod: strings.ToLower(strings.TrimSpace(req.PaymentMethod)),
		OrderID:       strings.TrimSpace(req.OrderID),
	}
	if activity.SessionID == "" {
		return domain.SessionResponse{}, store.Invalid("session_id", "is required")
	}
	if err := ledger.ValidateActivity(activity); err != nil {
		return domain.SessionResponse{}, err
	}

	session, err := s.repo.AppendActivity(ctx, activity.SessionID, activity)
	if err != nil {
		return domain.SessionResponse{}, err
	}
	s.logAudit(ctx, "drawer."+activity.Type, "drawer_session", session.ID,
		fmt.Sprintf("amount=%s method=%s", activity.Amount, activity.PaymentMethod))
	return domain.SessionResponse{Session: *session}, nil
}

// CloseSession reconciles the counted cash against the activity log. A
// session can only be closed once.
func (s *Service) CloseSession(ctx context.Context, sessionID string, req domain.SessionCloseRequest) (domain.SessionResponse, error) {
	actor, err := requireRole(ctx, "admin", "cashier")
	if err != nil {
		return domain.SessionResponse{}, err
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return domain.SessionResponse{}, store.Invalid("session_id", "is required")
	}

	at := s.now()
	plan := func(session domain.CashDrawerSession) (domain.CashDrawerSession, domain.DrawerSummary, error) {
		if session.UserID != actor.Username && actor.Role != "admin" {
			return domain.CashDrawerSession{}, domain.DrawerSummary{}, fmt.Errorf("%w: session %s belongs to %s", ErrForbidden, session.ID, session.UserID)
		}
		return ledger.CloseSession(session, req.CountedAmount, actor.Username, at)
	}
	session, summary, err := s.repo.CloseSession(ctx, sessionID, plan)
	if err != nil {
		return domain.SessionResponse{}, err
	}

	s.logAudit(ctx, "drawer.close", "drawer_session", session.ID,
		fmt.Sprintf("expected=%s counted=%s difference=%s", summary.Expected, summary.Counted, summary.Difference))
	s.publish(ctx, events.TypeDrawerSessionClosed, session.ID, summary)
	return domain.SessionResponse{Session: *session, Summary: summary}, nil
}

func (s *Service) GetSession(ctx context.Context, sessionID string) (domain.SessionResponse, error) {
	session, err := s.repo.GetSession(ctx, strings.TrimSpace(sessionID))
	if err != nil {
		return domain.SessionResponse{}, err
	}
	return sessionResponse(*session), nil
}

// GetActiveSession returns the open session of userID, defaulting to the
// caller.
func (s *Service) GetActiveSession(ctx context.Context, userID string) (domain.SessionResponse, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		userID = actorOrSystem(ctx).Username
	}
	session, err := s.repo.GetOpenSession(ctx, userID)
	if err != nil {
		return domain.SessionResponse{}, err
	}
	return sessionResponse(*session), nil
}

func sessionResponse(session domain.CashDrawerSession) domain.SessionResponse {
	resp := domain.SessionResponse{Session: session}
	if session.Status == domain.SessionStatusClosed && session.ClosingAmount != nil {
		summary := ledger.Reconcile(session, *session.ClosingAmount)
		resp.Summary = &summary
	}
	return resp
}
