package domain

import (
	"sort"
	"time"
)

type RankingPolicy struct {
	UrgencyWeight     int
	WaitBonusInterval time.Duration
	MaxWaitBonus      int
}

func DefaultRankingPolicy() RankingPolicy {
	return RankingPolicy{
		UrgencyWeight:     10,
		WaitBonusInterval: 30 * 24 * time.Hour,
	}
}

type RankedRecipient struct {
	Recipient Recipient
	Score     ScoreBreakdown
}

// Score computes the composite priority of r at now. Compatible is left unset.
// MedicalScore is unbounded, so a score at or above UrgencyWeight can lift a
// recipient over a higher urgency band, the same way a long wait does.
func (p RankingPolicy) Score(r Recipient, now time.Time) ScoreBreakdown {
	s := ScoreBreakdown{
		UrgencyScore: r.UrgencyLevel * p.UrgencyWeight,
		MedicalScore: r.MedicalScore,
		WaitBonus:    p.waitBonus(r.RegisteredAt, now),
	}
	s.Total = s.UrgencyScore + s.MedicalScore + s.WaitBonus
	return s
}

func (p RankingPolicy) waitBonus(registeredAt, now time.Time) int {
	if p.WaitBonusInterval <= 0 || !now.After(registeredAt) {
		return 0
	}
	bonus := int(now.Sub(registeredAt) / p.WaitBonusInterval)
	if p.MaxWaitBonus > 0 && bonus > p.MaxWaitBonus {
		return p.MaxWaitBonus
	}
	return bonus
}

// Rank orders the active, unmatched recipients waiting for organType by
// descending priority. The input is not modified and the result is a fresh
// slice, so repeated calls over unchanged input yield the same order.
func Rank(recipients []Recipient, organType OrganType, now time.Time, policy RankingPolicy) []RankedRecipient {
	ranked := make([]RankedRecipient, 0, len(recipients))
	for _, r := range recipients {
		if !r.Active || r.Matched || r.OrganType != organType {
			continue
		}
		ranked = append(ranked, RankedRecipient{Recipient: r, Score: policy.Score(r, now)})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Score.Total != b.Score.Total {
			return a.Score.Total > b.Score.Total
		}
		if a.Recipient.UrgencyLevel != b.Recipient.UrgencyLevel {
			return a.Recipient.UrgencyLevel > b.Recipient.UrgencyLevel
		}
		if a.Recipient.MedicalScore != b.Recipient.MedicalScore {
			return a.Recipient.MedicalScore > b.Recipient.MedicalScore
		}
		if !a.Recipient.RegisteredAt.Equal(b.Recipient.RegisteredAt) {
			return a.Recipient.RegisteredAt.Before(b.Recipient.RegisteredAt)
		}
		return a.Recipient.RecipientID < b.Recipient.RecipientID
	})
	return ranked
}

// CompatibleWith keeps the ranked recipients able to receive from donor,
// preserving order and marking the score as compatible.
func CompatibleWith(ranked []RankedRecipient, donor BloodType) []RankedRecipient {
	out := make([]RankedRecipient, 0, len(ranked))
	for _, rr := range ranked {
		if !IsCompatible(rr.Recipient.BloodType, donor) {
			continue
		}
		rr.Score.Compatible = true
		out = append(out, rr)
	}
	return out
}
