package models

import (
	"strings"
	"time"

	"gorm.io/datatypes"
)

const (
	BillingIntervalMonth = "month"
	BillingIntervalYear  = "year"
)

// Plan is a tenant-defined subscription plan mirrored once to the processor's
// product/price objects. Interval, amount and currency are frozen as soon as a
// subscription references the plan.
type Plan struct {
	ID                 uint                              `gorm:"primaryKey" json:"id"`
	TenantID           uint                              `gorm:"not null;index:idx_plans_tenant_active,priority:1" json:"tenant_id"`
	Name               string                            `gorm:"type:varchar(150);not null" json:"name"`
	BillingInterval    string                            `gorm:"type:varchar(16);not null;default:'month'" json:"billing_interval"`
	AmountMinor        int64                             `gorm:"not null" json:"amount_minor"`
	Currency           string                            `gorm:"type:varchar(3);not null;default:'eur'" json:"currency"`
	TrialDays          int                               `gorm:"not null;default:0" json:"trial_days"`
	ExternalProductRef string                            `gorm:"type:varchar(191);default:''" json:"external_product_ref"`
	ExternalPriceRef   string                            `gorm:"type:varchar(191);default:'';index" json:"external_price_ref"`
	IsActive           bool                              `gorm:"not null;default:false;index:idx_plans_tenant_active,priority:2" json:"is_active"`
	Metadata           datatypes.JSONType[PlanMetadata] `json:"metadata"`
	CreatedAt          time.Time                         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time                         `gorm:"autoUpdateTime" json:"updated_at"`
}

// PlanMetadata is the typed replacement for a free-form metadata bag.
type PlanMetadata struct {
	Version  int               `json:"v"`
	Tier     string            `json:"tier,omitempty"`
	Features []string          `json:"features,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// IsValidInterval reports whether the interval is one the catalog supports.
func IsValidInterval(interval string) bool {
	switch strings.ToLower(strings.TrimSpace(interval)) {
	case BillingIntervalMonth, BillingIntervalYear:
		return true
	}
	return false
}

// PeriodEnd returns the end of a billing period starting at start.
func (p *Plan) PeriodEnd(start time.Time) time.Time {
	if p.BillingInterval == BillingIntervalYear {
		return start.AddDate(1, 0, 0)
	}
	return start.AddDate(0, 1, 0)
}
