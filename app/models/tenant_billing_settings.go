package models

import (
	"strings"
	"time"
)

const BillingProviderStripe = "stripe"

// TenantBillingSettings holds per-tenant processor credentials and branding.
// ProcessorKeyEnc is sealed with the application secret and never serialized.
type TenantBillingSettings struct {
	ID                  uint      `gorm:"primaryKey" json:"id"`
	TenantID            uint      `gorm:"not null;uniqueIndex" json:"tenant_id"`
	Provider            string    `gorm:"type:varchar(20);not null;default:'stripe'" json:"provider"`
	ProcessorKeyEnc     string    `gorm:"type:text" json:"-"`
	ProcessorAPIBaseURL string    `gorm:"type:varchar(255);default:''" json:"processor_api_base_url"`
	WebhookSecret       string    `gorm:"type:varchar(255);not null" json:"-"`
	BrandName           string    `gorm:"type:varchar(150);default:''" json:"brand_name"`
	BrandColor          string    `gorm:"type:varchar(16);default:''" json:"brand_color"`
	SupportEmail        string    `gorm:"type:varchar(200);default:''" json:"support_email"`
	NotifyOnCheckout    bool      `gorm:"not null" json:"notify_on_checkout"`
	CreatedAt           time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// HasProcessorCredentials reports whether the tenant can talk to the real processor.
func (s *TenantBillingSettings) HasProcessorCredentials() bool {
	return s != nil && strings.TrimSpace(s.ProcessorKeyEnc) != ""
}
