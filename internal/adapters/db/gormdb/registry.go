package gormdb

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/atvirokodosprendimai/organledger/internal/domain"
)

func (r *Repository) CreateRecipient(ctx context.Context, value domain.Recipient, confirm domain.LedgerConfirm) (domain.Recipient, error) {
	m := RecipientModel{
		RecipientID:  strings.TrimSpace(value.RecipientID),
		FullName:     strings.TrimSpace(value.FullName),
		OrganType:    string(value.OrganType),
		BloodType:    string(value.BloodType),
		UrgencyLevel: value.UrgencyLevel,
		MedicalScore: value.MedicalScore,
		RegisteredAt: value.RegisteredAt.UTC(),
		Active:       true,
	}
	err := r.inTx(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(&m).Error; err != nil {
			if isUniqueViolation(err) {
				return domain.Precondition("recipient %s is already registered", m.RecipientID)
			}
			return err
		}
		return nil
	}, confirm, func(tx *gorm.DB, txID string) error {
		m.LedgerTxID = txID
		return tx.Model(&RecipientModel{}).Where("id = ?", m.ID).Update("ledger_tx_id", txID).Error
	})
	if err != nil {
		return domain.Recipient{}, err
	}
	return toRecipient(m), nil
}

func (r *Repository) GetRecipient(ctx context.Context, recipientID string) (domain.Recipient, error) {
	return r.getRecipient(r.db.WithContext(ctx), recipientID)
}

func (r *Repository) getRecipient(db *gorm.DB, recipientID string) (domain.Recipient, error) {
	var m RecipientModel
	if err := db.Where("recipient_id = ?", recipientID).First(&m).Error; err != nil {
		return domain.Recipient{}, notFound(err, "recipient", recipientID)
	}
	history := make([]UrgencyChangeModel, 0)
	if err := db.Where("recipient_id = ?", recipientID).Order("changed_at ASC, id ASC").Find(&history).Error; err != nil {
		return domain.Recipient{}, err
	}
	result := toRecipient(m)
	for _, h := range history {
		result.UrgencyHistory = append(result.UrgencyHistory, toUrgencyChange(h))
	}
	return result, nil
}

func (r *Repository) ListRecipients(ctx context.Context, filter domain.RecipientFilter) ([]domain.Recipient, error) {
	q := r.db.WithContext(ctx).Model(&RecipientModel{})
	if filter.OrganType != "" {
		q = q.Where("organ_type = ?", string(filter.OrganType))
	}
	if filter.ActiveOnly {
		q = q.Where("active = ?", true)
	}
	if strings.TrimSpace(filter.Query) != "" {
		like := "%" + strings.TrimSpace(filter.Query) + "%"
		q = q.Where("recipient_id LIKE ? OR full_name LIKE ?", like, like)
	}
	rows := make([]RecipientModel, 0)
	if err := q.Order("id DESC").Limit(limitOr(filter.Limit, 100)).Find(&rows).Error; err != nil {
		return nil, err
	}
	result := make([]domain.Recipient, 0, len(rows))
	for _, m := range rows {
		result = append(result, toRecipient(m))
	}
	return result, nil
}

func (r *Repository) ListWaitingRecipients(ctx context.Context, organType domain.OrganType) ([]domain.Recipient, error) {
	rows := make([]RecipientModel, 0)
	err := r.db.WithContext(ctx).
		Where("organ_type = ? AND active = ? AND matched = ?", string(organType), true, false).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	result := make([]domain.Recipient, 0, len(rows))
	for _, m := range rows {
		result = append(result, toRecipient(m))
	}
	return result, nil
}

func (r *Repository) ApplyUrgencyChange(ctx context.Context, change domain.UrgencyChange, medicalScore *int, confirm domain.LedgerConfirm) (domain.Recipient, error) {
	history := UrgencyChangeModel{
		RecipientID: change.RecipientID,
		NewLevel:    change.NewLevel,
		ChangedBy:   change.ChangedBy,
		Reason:      change.Reason,
		ProposalID:  change.ProposalID,
		ChangedAt:   change.ChangedAt.UTC(),
	}
	var result domain.Recipient
	err := r.inTx(ctx, func(tx *gorm.DB) error {
		var m RecipientModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("recipient_id = ?", change.RecipientID).First(&m).Error; err != nil {
			return notFound(err, "recipient", change.RecipientID)
		}
		if !m.Active {
			return domain.Precondition("recipient %s is not active", change.RecipientID)
		}
		history.OldLevel = m.UrgencyLevel

		updates := map[string]any{"urgency_level": change.NewLevel, "updated_at": history.ChangedAt}
		if medicalScore != nil {
			updates["medical_score"] = *medicalScore
		}
		res := tx.Model(&RecipientModel{}).Where("id = ? AND active = ?", m.ID, true).Updates(updates)
		if res.Error != nil {
			if isCheckViolation(res.Error) {
				return domain.Invalid("urgency level must be between %d and %d", domain.MinUrgencyLevel, domain.MaxUrgencyLevel)
			}
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.Precondition("recipient %s is not active", change.RecipientID)
		}
		return tx.Create(&history).Error
	}, confirm, func(tx *gorm.DB, txID string) error {
		if err := tx.Model(&UrgencyChangeModel{}).Where("id = ?", history.ID).Update("ledger_tx_id", txID).Error; err != nil {
			return err
		}
		if change.ProposalID != nil {
			if err := tx.Model(&ProposalModel{}).Where("id = ?", *change.ProposalID).Update("action_tx_id", txID).Error; err != nil {
				return err
			}
		}
		var err error
		result, err = r.getRecipient(tx, change.RecipientID)
		return err
	})
	if err != nil {
		return domain.Recipient{}, err
	}
	if confirm == nil {
		return r.GetRecipient(ctx, change.RecipientID)
	}
	return result, nil
}

func (r *Repository) DeactivateRecipient(ctx context.Context, removal domain.RecipientRemoval, at time.Time, confirm domain.LedgerConfirm) (domain.Recipient, error) {
	var result domain.Recipient
	err := r.inTx(ctx, func(tx *gorm.DB) error {
		updates := map[string]any{
			"active":         false,
			"removal_reason": removal.Reason,
			"removed_at":     at.UTC(),
			"updated_at":     at.UTC(),
		}
		if removal.ProposalID != 0 {
			updates["removed_by_proposal"] = removal.ProposalID
		}
		res := tx.Model(&RecipientModel{}).Where("recipient_id = ? AND active = ?", removal.RecipientID, true).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			if _, err := r.getRecipient(tx, removal.RecipientID); err != nil {
				return err
			}
			return domain.Precondition("recipient %s is not active", removal.RecipientID)
		}
		return nil
	}, confirm, func(tx *gorm.DB, txID string) error {
		if err := tx.Model(&RecipientModel{}).Where("recipient_id = ?", removal.RecipientID).Update("ledger_tx_id", txID).Error; err != nil {
			return err
		}
		if removal.ProposalID != 0 {
			if err := tx.Model(&ProposalModel{}).Where("id = ?", removal.ProposalID).Update("action_tx_id", txID).Error; err != nil {
				return err
			}
		}
		var err error
		result, err = r.getRecipient(tx, removal.RecipientID)
		return err
	})
	if err != nil {
		return domain.Recipient{}, err
	}
	if confirm == nil {
		return r.GetRecipient(ctx, removal.RecipientID)
	}
	return result, nil
}

func (r *Repository) CreateOrgan(ctx context.Context, value domain.Organ, confirm domain.LedgerConfirm) (domain.Organ, error) {
	m := OrganModel{
		OrganID:        strings.TrimSpace(value.OrganID),
		OrganType:      string(value.OrganType),
		BloodType:      string(value.BloodType),
		DonorRef:       value.DonorRef,
		HarvestedAt:    value.HarvestedAt.UTC(),
		ViabilityHours: value.ViabilityHours,
		ExpiresAt:      value.ExpiresAt.UTC(),
		Status:         string(domain.OrganAvailable),
	}
	err := r.inTx(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(&m).Error; err != nil {
			if isUniqueViolation(err) {
				return domain.Precondition("organ %s is already registered", m.OrganID)
			}
			return err
		}
		return nil
	}, confirm, func(tx *gorm.DB, txID string) error {
		m.LedgerTxID = txID
		return tx.Model(&OrganModel{}).Where("id = ?", m.ID).Update("ledger_tx_id", txID).Error
	})
	if err != nil {
		return domain.Organ{}, err
	}
	return toOrgan(m), nil
}

func (r *Repository) GetOrgan(ctx context.Context, organID string) (domain.Organ, error) {
	var m OrganModel
	if err := r.db.WithContext(ctx).Where("organ_id = ?", organID).First(&m).Error; err != nil {
		return domain.Organ{}, notFound(err, "organ", organID)
	}
	return toOrgan(m), nil
}

func (r *Repository) ListOrgans(ctx context.Context, filter domain.OrganFilter) ([]domain.Organ, error) {
	q := r.db.WithContext(ctx).Model(&OrganModel{})
	if filter.OrganType != "" {
		q = q.Where("organ_type = ?", string(filter.OrganType))
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	rows := make([]OrganModel, 0)
	if err := q.Order("id DESC").Limit(limitOr(filter.Limit, 100)).Find(&rows).Error; err != nil {
		return nil, err
	}
	return toOrgans(rows), nil
}

func (r *Repository) ListAllocatableOrgans(ctx context.Context, now time.Time) ([]domain.Organ, error) {
	rows := make([]OrganModel, 0)
	err := r.db.WithContext(ctx).
		Where("status = ? AND expires_at > ?", string(domain.OrganAvailable), now.UTC()).
		Order("expires_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toOrgans(rows), nil
}

func (r *Repository) ExpireOrgans(ctx context.Context, now time.Time) ([]string, error) {
	var expired []string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&OrganModel{}).
			Where("status = ? AND expires_at <= ?", string(domain.OrganAvailable), now.UTC()).
			Order("id ASC").
			Pluck("organ_id", &expired).Error; err != nil {
			return err
		}
		if len(expired) == 0 {
			return nil
		}
		return tx.Model(&OrganModel{}).
			Where("organ_id IN ? AND status = ?", expired, string(domain.OrganAvailable)).
			Updates(map[string]any{"status": string(domain.OrganExpired), "updated_at": now.UTC()}).Error
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}

func (r *Repository) RejectOrgan(ctx context.Context, organID, reason string) (domain.Organ, error) {
	res := r.db.WithContext(ctx).Model(&OrganModel{}).
		Where("organ_id = ? AND status = ?", organID, string(domain.OrganAvailable)).
		Updates(map[string]any{"status": string(domain.OrganRejected), "rejection_reason": reason})
	if res.Error != nil {
		return domain.Organ{}, res.Error
	}
	organ, err := r.GetOrgan(ctx, organID)
	if err != nil {
		return domain.Organ{}, err
	}
	if res.RowsAffected == 0 {
		return domain.Organ{}, domain.Precondition("organ %s is %s, only AVAILABLE organs can be rejected", organID, organ.Status)
	}
	return organ, nil
}

func (r *Repository) CreateMember(ctx context.Context, value domain.Member) (domain.Member, error) {
	m := MemberModel{
		Identity:    strings.ToLower(strings.TrimSpace(value.Identity)),
		UserID:      value.UserID,
		Role:        string(value.Role),
		VotingPower: value.VotingPower,
		Authorized:  value.Authorized,
	}
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		if isUniqueViolation(err) {
			return domain.Member{}, domain.Precondition("member %s already exists", m.Identity)
		}
		if isCheckViolation(err) {
			return domain.Member{}, domain.Invalid("voting power must be between %d and %d", domain.MinVotingPower, domain.MaxVotingPower)
		}
		return domain.Member{}, err
	}
	return toMember(m), nil
}

func (r *Repository) GetMember(ctx context.Context, identity string) (domain.Member, error) {
	var m MemberModel
	identity = strings.ToLower(strings.TrimSpace(identity))
	if err := r.db.WithContext(ctx).Where("identity = ?", identity).First(&m).Error; err != nil {
		return domain.Member{}, notFound(err, "member", identity)
	}
	return toMember(m), nil
}

func (r *Repository) ListMembers(ctx context.Context, authorizedOnly bool) ([]domain.Member, error) {
	q := r.db.WithContext(ctx).Model(&MemberModel{})
	if authorizedOnly {
		q = q.Where("authorized = ?", true)
	}
	rows := make([]MemberModel, 0)
	if err := q.Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	result := make([]domain.Member, 0, len(rows))
	for _, m := range rows {
		result = append(result, toMember(m))
	}
	return result, nil
}

func (r *Repository) UpdateMember(ctx context.Context, identity string, authorized bool, votingPower int, role domain.MemberRole) (domain.Member, error) {
	identity = strings.ToLower(strings.TrimSpace(identity))
	res := r.db.WithContext(ctx).Model(&MemberModel{}).
		Where("identity = ?", identity).
		Updates(map[string]any{"authorized": authorized, "voting_power": votingPower, "role": string(role)})
	if res.Error != nil {
		if isCheckViolation(res.Error) {
			return domain.Member{}, domain.Invalid("voting power must be between %d and %d", domain.MinVotingPower, domain.MaxVotingPower)
		}
		return domain.Member{}, res.Error
	}
	if res.RowsAffected == 0 {
		return domain.Member{}, domain.NotFound("member", identity)
	}
	return r.GetMember(ctx, identity)
}

func (r *Repository) TotalVotingPower(ctx context.Context) (int, error) {
	var total int64
	err := r.db.WithContext(ctx).Model(&MemberModel{}).
		Where("authorized = ?", true).
		Select("COALESCE(SUM(voting_power), 0)").
		Scan(&total).Error
	return int(total), err
}

func toRecipient(m RecipientModel) domain.Recipient {
	return domain.Recipient{
		ID:                m.ID,
		RecipientID:       m.RecipientID,
		FullName:          m.FullName,
		OrganType:         domain.OrganType(m.OrganType),
		BloodType:         domain.BloodType(m.BloodType),
		UrgencyLevel:      m.UrgencyLevel,
		MedicalScore:      m.MedicalScore,
		RegisteredAt:      m.RegisteredAt,
		Active:            m.Active,
		Matched:           m.Matched,
		MatchedOrganID:    m.MatchedOrganID,
		RemovalReason:     m.RemovalReason,
		RemovedAt:         m.RemovedAt,
		RemovedByProposal: m.RemovedByProposal,
		LedgerTxID:        m.LedgerTxID,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}

func toUrgencyChange(m UrgencyChangeModel) domain.UrgencyChange {
	return domain.UrgencyChange{
		ID:          m.ID,
		RecipientID: m.RecipientID,
		OldLevel:    m.OldLevel,
		NewLevel:    m.NewLevel,
		ChangedBy:   m.ChangedBy,
		Reason:      m.Reason,
		ProposalID:  m.ProposalID,
		LedgerTxID:  m.LedgerTxID,
		ChangedAt:   m.ChangedAt,
	}
}

func toOrgan(m OrganModel) domain.Organ {
	return domain.Organ{
		ID:              m.ID,
		OrganID:         m.OrganID,
		OrganType:       domain.OrganType(m.OrganType),
		BloodType:       domain.BloodType(m.BloodType),
		DonorRef:        m.DonorRef,
		HarvestedAt:     m.HarvestedAt,
		ViabilityHours:  m.ViabilityHours,
		ExpiresAt:       m.ExpiresAt,
		Status:          domain.OrganStatus(m.Status),
		AllocatedTo:     m.AllocatedTo,
		RejectionReason: m.RejectionReason,
		LedgerTxID:      m.LedgerTxID,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func toOrgans(rows []OrganModel) []domain.Organ {
	result := make([]domain.Organ, 0, len(rows))
	for _, m := range rows {
		result = append(result, toOrgan(m))
	}
	return result
}

func toMember(m MemberModel) domain.Member {
	return domain.Member{
		ID:               m.ID,
		Identity:         m.Identity,
		UserID:           m.UserID,
		Role:             domain.MemberRole(m.Role),
		VotingPower:      m.VotingPower,
		Authorized:       m.Authorized,
		ProposalsCreated: m.ProposalsCreated,
		VotesCast:        m.VotesCast,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}
