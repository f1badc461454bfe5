package gormdb

import (
	"context"
	"encoding/json"

	"gorm.io/datatypes"

	"github.com/atvirokodosprendimai/organledger/internal/domain"
)

func (r *Repository) CreateNotification(ctx context.Context, value domain.Notification) error {
	data, err := json.Marshal(value.Data)
	if err != nil {
		return err
	}
	m := NotificationModel{
		ID:        value.ID,
		Scope:     string(value.Scope),
		Audience:  value.Audience,
		Kind:      value.Kind,
		Title:     value.Title,
		Body:      value.Body,
		Data:      datatypes.JSON(data),
		CreatedAt: value.CreatedAt.UTC(),
	}
	return r.db.WithContext(ctx).Create(&m).Error
}

func (r *Repository) ListNotifications(ctx context.Context, scope domain.NotificationScope, audience string, limit int) ([]domain.Notification, error) {
	rows := make([]NotificationModel, 0)
	err := r.db.WithContext(ctx).
		Where("scope = ? AND audience = ?", string(scope), audience).
		Order("created_at DESC").
		Limit(limitOr(limit, 50)).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	result := make([]domain.Notification, 0, len(rows))
	for _, m := range rows {
		n := domain.Notification{
			ID:        m.ID,
			Scope:     domain.NotificationScope(m.Scope),
			Audience:  m.Audience,
			Kind:      m.Kind,
			Title:     m.Title,
			Body:      m.Body,
			CreatedAt: m.CreatedAt,
			ReadAt:    m.ReadAt,
		}
		if len(m.Data) > 0 {
			if err := json.Unmarshal(m.Data, &n.Data); err != nil {
				return nil, err
			}
		}
		result = append(result, n)
	}
	return result, nil
}
