package webhooks

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/bookshop-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/bookshop-backend/pkg/errors"
)

// EventRepository is the append-only webhook audit log.
type EventRepository interface {
	Append(ctx context.Context, event *models.WebhookEvent) error
}

type eventRepository struct {
	db *gorm.DB
}

func NewEventRepository(db *gorm.DB) EventRepository {
	return &eventRepository{db: db}
}

func (r *eventRepository) Append(ctx context.Context, event *models.WebhookEvent) error {
	if event == nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "webhook event is required")
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now()
	}
	event.ReceivedAt = event.ReceivedAt.UTC()
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "persist webhook event")
	}
	return nil
}
