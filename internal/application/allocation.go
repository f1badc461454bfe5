package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/atvirokodosprendimai/organledger/internal/chaincode"
	"github.com/atvirokodosprendimai/organledger/internal/domain"
)

type AllocationConfig struct {
	Ranking             domain.RankingPolicy
	AppointmentLeadTime time.Duration
}

func DefaultAllocationConfig() AllocationConfig {
	return AllocationConfig{Ranking: domain.DefaultRankingPolicy(), AppointmentLeadTime: 2 * time.Hour}
}

type AutoMatchResult struct {
	OrganID     string
	Matched     bool
	Reason      string
	Match       *domain.Match
	Appointment *domain.Appointment
}

type BatchItem struct {
	OrganID string
	Matched bool
	Reason  string
	MatchID string
	Error   string
}

type BatchResult struct {
	Total     int
	Matched   int
	Unmatched int
	Failed    int
	Results   []BatchItem
}

// AllocationService pairs available organs with waiting recipients.
type AllocationService struct {
	repo     domain.Repository
	ledger   *Reconciler
	notifier domain.NotificationSink
	cfg      AllocationConfig
	logger   *slog.Logger
	metrics  *Metrics
	now      func() time.Time
}

func NewAllocationService(d Deps, ledger *Reconciler, cfg AllocationConfig) *AllocationService {
	d = d.normalized()
	if ledger == nil {
		ledger = NewReconciler(d, DefaultRetryPolicy())
	}
	if cfg.Ranking.UrgencyWeight == 0 {
		cfg.Ranking = domain.DefaultRankingPolicy()
	}
	if cfg.AppointmentLeadTime <= 0 {
		cfg.AppointmentLeadTime = 2 * time.Hour
	}
	return &AllocationService{
		repo:     d.Repo,
		ledger:   ledger,
		notifier: d.Notifier,
		cfg:      cfg,
		logger:   d.Logger,
		metrics:  d.Metrics,
		now:      d.Now,
	}
}

// AutoMatch allocates organID to the best ranked compatible recipient. A
// recipient taken by a concurrent allocation is skipped for the next one;
// the organ being taken ends the attempt.
func (s *AllocationService) AutoMatch(ctx context.Context, organID string) (AutoMatchResult, error) {
	started := time.Now()
	defer func() { s.metrics.allocationLatency.Observe(time.Since(started).Seconds()) }()

	organID = strings.TrimSpace(organID)
	if organID == "" {
		return AutoMatchResult{}, domain.Invalid("organ id is required")
	}
	res, err := s.autoMatch(ctx, organID)
	switch {
	case err != nil:
		s.metrics.allocations.WithLabelValues("error").Inc()
	case res.Matched:
		s.metrics.allocations.WithLabelValues("matched").Inc()
	default:
		s.metrics.allocations.WithLabelValues("unmatched").Inc()
	}
	return res, err
}

func (s *AllocationService) autoMatch(ctx context.Context, organID string) (AutoMatchResult, error) {
	result := AutoMatchResult{OrganID: organID}
	organ, err := s.repo.GetOrgan(ctx, organID)
	if err != nil {
		return result, err
	}
	now := s.now()
	if organ.Status != domain.OrganAvailable {
		result.Reason = fmt.Sprintf("organ is %s", organ.Status)
		return result, nil
	}
	if organ.Expired(now) {
		result.Reason = "organ viability window has expired"
		return result, nil
	}

	waiting, err := s.repo.ListWaitingRecipients(ctx, organ.OrganType)
	if err != nil {
		return result, err
	}
	candidates := domain.CompatibleWith(domain.Rank(waiting, organ.OrganType, now, s.cfg.Ranking), organ.BloodType)
	if len(candidates) == 0 {
		result.Reason = fmt.Sprintf("no compatible recipients for %s (%s)", organ.OrganType, organ.BloodType)
		return result, nil
	}

	for _, c := range candidates {
		match, appt, err := s.commit(ctx, organ, c, now)
		switch {
		case errors.Is(err, domain.ErrRecipientUnavailable):
			s.logger.Debug("candidate taken concurrently", "organ_id", organID, "recipient_id", c.Recipient.RecipientID)
			continue
		case errors.Is(err, domain.ErrOrganUnavailable):
			result.Reason = "organ already allocated"
			return result, nil
		case err != nil:
			return result, err
		}

		s.logger.Info("organ allocated",
			"organ_id", organID, "recipient_id", match.RecipientID,
			"match_id", match.ID, "score", match.Score.Total, "ledger_tx_id", match.LedgerTxID)
		s.notifyMatch(ctx, match, appt)
		result.Matched = true
		result.Reason = fmt.Sprintf("matched to %s with score %d", match.RecipientID, match.Score.Total)
		result.Match = &match
		result.Appointment = &appt
		return result, nil
	}
	result.Reason = fmt.Sprintf("no compatible recipients for %s (%s)", organ.OrganType, organ.BloodType)
	return result, nil
}

func (s *AllocationService) commit(ctx context.Context, organ domain.Organ, c domain.RankedRecipient, now time.Time) (domain.Match, domain.Appointment, error) {
	match := domain.Match{
		ID:          uuid.NewString(),
		OrganID:     organ.OrganID,
		RecipientID: c.Recipient.RecipientID,
		Score:       c.Score,
		Status:      domain.MatchPending,
		ExpiresAt:   organ.ExpiresAt,
	}
	appt := domain.Appointment{
		ID:          uuid.NewString(),
		MatchID:     match.ID,
		OrganID:     organ.OrganID,
		RecipientID: match.RecipientID,
		ScheduledAt: now.Add(s.cfg.AppointmentLeadTime),
		Status:      domain.AppointmentScheduled,
	}
	return s.repo.CommitAllocation(ctx, match, appt, now, func(ctx context.Context) (string, error) {
		return s.ledger.Submit(ctx, domain.LedgerOrgan, domain.FnAllocateOrgan, chaincode.AllocationRecord{
			OrganID:     match.OrganID,
			RecipientID: match.RecipientID,
			MatchID:     match.ID,
			Score:       match.Score.Total,
			AllocatedAt: now,
		})
	})
}

// RunMatching attempts every allocatable organ. Failures are reported per
// organ and never stop the run.
func (s *AllocationService) RunMatching(ctx context.Context) (BatchResult, error) {
	organs, err := s.repo.ListAllocatableOrgans(ctx, s.now())
	if err != nil {
		return BatchResult{}, err
	}
	out := BatchResult{Total: len(organs), Results: make([]BatchItem, 0, len(organs))}
	for _, organ := range organs {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		res, err := s.AutoMatch(ctx, organ.OrganID)
		item := BatchItem{OrganID: organ.OrganID, Matched: res.Matched, Reason: res.Reason}
		switch {
		case err != nil:
			out.Failed++
			item.Error = err.Error()
			s.logger.Warn("auto-match failed", "organ_id", organ.OrganID, "error", err)
		case res.Matched:
			out.Matched++
			item.MatchID = res.Match.ID
		default:
			out.Unmatched++
		}
		out.Results = append(out.Results, item)
	}
	s.logger.Info("matching run finished", "total", out.Total, "matched", out.Matched, "unmatched", out.Unmatched, "failed", out.Failed)
	return out, nil
}

func (s *AllocationService) GetMatch(ctx context.Context, id string) (domain.Match, error) {
	return s.repo.GetMatch(ctx, strings.TrimSpace(id))
}

func (s *AllocationService) ListMatches(ctx context.Context, filter domain.MatchFilter) ([]domain.Match, error) {
	filter.Limit = clampLimit(filter.Limit, 100, 1000)
	return s.repo.ListMatches(ctx, filter)
}

func (s *AllocationService) AcceptMatch(ctx context.Context, id string) (domain.Match, error) {
	return s.repo.AcceptMatch(ctx, strings.TrimSpace(id), s.now())
}

// RejectMatch releases the organ back to the pool on both sides.
func (s *AllocationService) RejectMatch(ctx context.Context, id, reason string) (domain.Match, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.Match{}, domain.Invalid("a rejection reason is required")
	}
	current, err := s.repo.GetMatch(ctx, strings.TrimSpace(id))
	if err != nil {
		return domain.Match{}, err
	}
	now := s.now()
	m, err := s.repo.RejectMatch(ctx, current.ID, reason, now, func(ctx context.Context) (string, error) {
		return s.ledger.Submit(ctx, domain.LedgerOrgan, domain.FnReleaseOrgan, chaincode.ReleaseRecord{
			OrganID:    current.OrganID,
			MatchID:    current.ID,
			Reason:     reason,
			ReleasedAt: now,
		})
	})
	if err != nil {
		return domain.Match{}, err
	}
	s.logger.Info("match rejected", "match_id", m.ID, "organ_id", m.OrganID, "recipient_id", m.RecipientID, "reason", reason)
	return m, nil
}

func (s *AllocationService) CompleteMatch(ctx context.Context, id string) (domain.Match, error) {
	m, err := s.repo.CompleteMatch(ctx, strings.TrimSpace(id), s.now())
	if err != nil {
		return domain.Match{}, err
	}
	s.logger.Info("transplant completed", "match_id", m.ID, "organ_id", m.OrganID, "recipient_id", m.RecipientID)
	return m, nil
}

func (s *AllocationService) GetAppointment(ctx context.Context, id string) (domain.Appointment, error) {
	return s.repo.GetAppointment(ctx, strings.TrimSpace(id))
}

func (s *AllocationService) ListAppointments(ctx context.Context, filter domain.AppointmentFilter) ([]domain.Appointment, error) {
	filter.Limit = clampLimit(filter.Limit, 100, 1000)
	return s.repo.ListAppointments(ctx, filter)
}

func (s *AllocationService) StartAppointment(ctx context.Context, id string) (domain.Appointment, error) {
	return s.repo.TransitionAppointment(ctx, strings.TrimSpace(id),
		[]domain.AppointmentStatus{domain.AppointmentScheduled}, domain.AppointmentInProgress, s.now())
}

func (s *AllocationService) CancelAppointment(ctx context.Context, id string) (domain.Appointment, error) {
	return s.repo.TransitionAppointment(ctx, strings.TrimSpace(id),
		[]domain.AppointmentStatus{domain.AppointmentScheduled, domain.AppointmentInProgress}, domain.AppointmentCancelled, s.now())
}

func (s *AllocationService) ExpireOrgans(ctx context.Context) ([]string, error) {
	ids, err := s.repo.ExpireOrgans(ctx, s.now())
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		s.logger.Info("organs expired", "count", len(ids), "organ_ids", ids)
	}
	return ids, nil
}

func (s *AllocationService) RejectOrgan(ctx context.Context, organID, reason string) (domain.Organ, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.Organ{}, domain.Invalid("a rejection reason is required")
	}
	return s.repo.RejectOrgan(ctx, strings.TrimSpace(organID), reason)
}

func (s *AllocationService) notifyMatch(ctx context.Context, m domain.Match, appt domain.Appointment) {
	deliver(ctx, s.notifier, domain.Notification{
		ID:       uuid.NewString(),
		Scope:    domain.ScopeRecipient,
		Audience: m.RecipientID,
		Kind:     "match.created",
		Title:    "A compatible organ has been allocated",
		Body:     fmt.Sprintf("Organ %s is allocated to you. Transplant scheduled at %s.", m.OrganID, appt.ScheduledAt.Format(time.RFC3339)),
		Data: map[string]any{
			"match_id":       m.ID,
			"organ_id":       m.OrganID,
			"appointment_id": appt.ID,
			"score":          m.Score.Total,
		},
		CreatedAt: s.now(),
	}, s.logger, s.metrics)
}
