package models

import (
	"time"

	"gorm.io/datatypes"
)

// SubscriptionEvent stores every processor webhook delivery per tenant. The
// unique (tenant_id, external_event_id) index makes it the idempotency ledger.
type SubscriptionEvent struct {
	ID              uint           `gorm:"primaryKey" json:"id"`
	TenantID        uint           `gorm:"not null;index:ux_subscription_events_tenant_event,unique,priority:1;index:idx_subscription_events_pending,priority:1" json:"tenant_id"`
	ExternalEventID string         `gorm:"type:varchar(191);not null;index:ux_subscription_events_tenant_event,unique,priority:2" json:"external_event_id"`
	EventType       string         `gorm:"type:varchar(100);not null;index" json:"event_type"`
	Payload         datatypes.JSON `json:"payload"`
	SubscriptionID  *uint          `gorm:"index" json:"subscription_id,omitempty"`
	ProcessedAt     *time.Time     `gorm:"type:timestamp;default:null;index:idx_subscription_events_pending,priority:2" json:"processed_at,omitempty"`
	ProcessingError string         `gorm:"type:text" json:"processing_error"`
	CreatedAt       time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsProcessed reports whether a handler finished for this event.
func (e *SubscriptionEvent) IsProcessed() bool {
	return e.ProcessedAt != nil && !e.ProcessedAt.IsZero()
}
