package gormdb

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/atvirokodosprendimai/organledger/internal/domain"
)

func (r *Repository) CommitAllocation(ctx context.Context, match domain.Match, appointment domain.Appointment, now time.Time, confirm domain.LedgerConfirm) (domain.Match, domain.Appointment, error) {
	now = now.UTC()
	mm := MatchModel{
		ID:           match.ID,
		OrganID:      match.OrganID,
		RecipientID:  match.RecipientID,
		UrgencyScore: match.Score.UrgencyScore,
		MedicalScore: match.Score.MedicalScore,
		WaitBonus:    match.Score.WaitBonus,
		TotalScore:   match.Score.Total,
		Compatible:   match.Score.Compatible,
		Status:       string(domain.MatchPending),
		CreatedAt:    now,
		ExpiresAt:    match.ExpiresAt.UTC(),
	}
	am := AppointmentModel{
		ID:          appointment.ID,
		MatchID:     match.ID,
		OrganID:     match.OrganID,
		RecipientID: match.RecipientID,
		ScheduledAt: appointment.ScheduledAt.UTC(),
		Status:      string(domain.AppointmentScheduled),
		CreatedAt:   now,
	}

	err := r.inTx(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&OrganModel{}).
			Where("organ_id = ? AND status = ? AND expires_at > ?", match.OrganID, string(domain.OrganAvailable), now).
			Updates(map[string]any{"status": string(domain.OrganAllocated), "allocated_to": match.RecipientID, "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: organ %s", domain.ErrOrganUnavailable, match.OrganID)
		}

		res = tx.Model(&RecipientModel{}).
			Where("recipient_id = ? AND active = ? AND matched = ?", match.RecipientID, true, false).
			Updates(map[string]any{"matched": true, "matched_organ_id": match.OrganID, "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: recipient %s", domain.ErrRecipientUnavailable, match.RecipientID)
		}

		if err := tx.Create(&mm).Error; err != nil {
			return err
		}
		return tx.Create(&am).Error
	}, confirm, func(tx *gorm.DB, txID string) error {
		mm.LedgerTxID = txID
		return tx.Model(&MatchModel{}).Where("id = ?", mm.ID).Update("ledger_tx_id", txID).Error
	})
	if err != nil {
		return domain.Match{}, domain.Appointment{}, err
	}
	return toMatch(mm), toAppointment(am), nil
}

func (r *Repository) GetMatch(ctx context.Context, id string) (domain.Match, error) {
	return r.getMatch(r.db.WithContext(ctx), id)
}

func (r *Repository) getMatch(db *gorm.DB, id string) (domain.Match, error) {
	var m MatchModel
	if err := db.Where("id = ?", id).First(&m).Error; err != nil {
		return domain.Match{}, notFound(err, "match", id)
	}
	return toMatch(m), nil
}

func (r *Repository) ListMatches(ctx context.Context, filter domain.MatchFilter) ([]domain.Match, error) {
	q := r.db.WithContext(ctx).Model(&MatchModel{})
	if filter.OrganID != "" {
		q = q.Where("organ_id = ?", filter.OrganID)
	}
	if filter.RecipientID != "" {
		q = q.Where("recipient_id = ?", filter.RecipientID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	rows := make([]MatchModel, 0)
	if err := q.Order("created_at DESC").Limit(limitOr(filter.Limit, 100)).Find(&rows).Error; err != nil {
		return nil, err
	}
	result := make([]domain.Match, 0, len(rows))
	for _, m := range rows {
		result = append(result, toMatch(m))
	}
	return result, nil
}

func (r *Repository) AcceptMatch(ctx context.Context, id string, now time.Time) (domain.Match, error) {
	var result domain.Match
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := transitionMatch(tx, id, []domain.MatchStatus{domain.MatchPending}, domain.MatchAccepted, now); err != nil {
			return err
		}
		var err error
		result, err = r.getMatch(tx, id)
		return err
	})
	return result, err
}

func (r *Repository) RejectMatch(ctx context.Context, id, reason string, now time.Time, confirm domain.LedgerConfirm) (domain.Match, error) {
	now = now.UTC()
	var result domain.Match
	err := r.inTx(ctx, func(tx *gorm.DB) error {
		match, err := r.getMatch(tx, id)
		if err != nil {
			return err
		}
		if err := transitionMatch(tx, id, []domain.MatchStatus{domain.MatchPending, domain.MatchAccepted}, domain.MatchRejected, now); err != nil {
			return err
		}
		if err := tx.Model(&OrganModel{}).
			Where("organ_id = ? AND status = ?", match.OrganID, string(domain.OrganAllocated)).
			Updates(map[string]any{"status": string(domain.OrganAvailable), "allocated_to": nil, "rejection_reason": reason, "updated_at": now}).Error; err != nil {
			return err
		}
		if err := tx.Model(&RecipientModel{}).
			Where("recipient_id = ? AND matched_organ_id = ?", match.RecipientID, match.OrganID).
			Updates(map[string]any{"matched": false, "matched_organ_id": nil, "updated_at": now}).Error; err != nil {
			return err
		}
		return tx.Model(&AppointmentModel{}).
			Where("match_id = ? AND status IN ?", id, []string{string(domain.AppointmentScheduled), string(domain.AppointmentInProgress)}).
			Updates(map[string]any{"status": string(domain.AppointmentCancelled), "updated_at": now}).Error
	}, confirm, func(tx *gorm.DB, _ string) error {
		var err error
		result, err = r.getMatch(tx, id)
		return err
	})
	if err != nil {
		return domain.Match{}, err
	}
	if confirm == nil {
		return r.GetMatch(ctx, id)
	}
	return result, nil
}

func (r *Repository) CompleteMatch(ctx context.Context, id string, now time.Time) (domain.Match, error) {
	now = now.UTC()
	var result domain.Match
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		match, err := r.getMatch(tx, id)
		if err != nil {
			return err
		}
		if err := transitionMatch(tx, id, []domain.MatchStatus{domain.MatchAccepted}, domain.MatchCompleted, now); err != nil {
			return err
		}
		if err := tx.Model(&OrganModel{}).
			Where("organ_id = ? AND status = ?", match.OrganID, string(domain.OrganAllocated)).
			Updates(map[string]any{"status": string(domain.OrganTransplanted), "updated_at": now}).Error; err != nil {
			return err
		}
		if err := tx.Model(&AppointmentModel{}).
			Where("match_id = ? AND status IN ?", id, []string{string(domain.AppointmentScheduled), string(domain.AppointmentInProgress)}).
			Updates(map[string]any{"status": string(domain.AppointmentCompleted), "updated_at": now}).Error; err != nil {
			return err
		}
		result, err = r.getMatch(tx, id)
		return err
	})
	return result, err
}

func transitionMatch(tx *gorm.DB, id string, from []domain.MatchStatus, to domain.MatchStatus, now time.Time) error {
	allowed := make([]string, 0, len(from))
	for _, s := range from {
		allowed = append(allowed, string(s))
	}
	res := tx.Model(&MatchModel{}).
		Where("id = ? AND status IN ?", id, allowed).
		Updates(map[string]any{"status": string(to), "updated_at": now.UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}
	var m MatchModel
	if err := tx.Where("id = ?", id).First(&m).Error; err != nil {
		return notFound(err, "match", id)
	}
	return fmt.Errorf("%w: match %s is %s, cannot move to %s", domain.ErrInvalidTransition, id, m.Status, to)
}

func (r *Repository) GetAppointment(ctx context.Context, id string) (domain.Appointment, error) {
	var m AppointmentModel
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return domain.Appointment{}, notFound(err, "appointment", id)
	}
	return toAppointment(m), nil
}

func (r *Repository) ListAppointments(ctx context.Context, filter domain.AppointmentFilter) ([]domain.Appointment, error) {
	q := r.db.WithContext(ctx).Model(&AppointmentModel{})
	if filter.RecipientID != "" {
		q = q.Where("recipient_id = ?", filter.RecipientID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	rows := make([]AppointmentModel, 0)
	if err := q.Order("scheduled_at ASC").Limit(limitOr(filter.Limit, 100)).Find(&rows).Error; err != nil {
		return nil, err
	}
	result := make([]domain.Appointment, 0, len(rows))
	for _, m := range rows {
		result = append(result, toAppointment(m))
	}
	return result, nil
}

func (r *Repository) TransitionAppointment(ctx context.Context, id string, from []domain.AppointmentStatus, to domain.AppointmentStatus, now time.Time) (domain.Appointment, error) {
	allowed := make([]string, 0, len(from))
	for _, s := range from {
		allowed = append(allowed, string(s))
	}
	res := r.db.WithContext(ctx).Model(&AppointmentModel{}).
		Where("id = ? AND status IN ?", id, allowed).
		Updates(map[string]any{"status": string(to), "updated_at": now.UTC()})
	if res.Error != nil {
		return domain.Appointment{}, res.Error
	}
	current, err := r.GetAppointment(ctx, id)
	if err != nil {
		return domain.Appointment{}, err
	}
	if res.RowsAffected == 0 {
		return domain.Appointment{}, fmt.Errorf("%w: appointment %s is %s, cannot move to %s", domain.ErrInvalidTransition, id, current.Status, to)
	}
	return current, nil
}

func toMatch(m MatchModel) domain.Match {
	return domain.Match{
		ID:          m.ID,
		OrganID:     m.OrganID,
		RecipientID: m.RecipientID,
		Score: domain.ScoreBreakdown{
			UrgencyScore: m.UrgencyScore,
			MedicalScore: m.MedicalScore,
			WaitBonus:    m.WaitBonus,
			Total:        m.TotalScore,
			Compatible:   m.Compatible,
		},
		Status:     domain.MatchStatus(m.Status),
		LedgerTxID: m.LedgerTxID,
		CreatedAt:  m.CreatedAt,
		ExpiresAt:  m.ExpiresAt,
		UpdatedAt:  m.UpdatedAt,
	}
}

func toAppointment(m AppointmentModel) domain.Appointment {
	return domain.Appointment{
		ID:          m.ID,
		MatchID:     m.MatchID,
		OrganID:     m.OrganID,
		RecipientID: m.RecipientID,
		ScheduledAt: m.ScheduledAt,
		Status:      domain.AppointmentStatus(m.Status),
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}
