package models

import "time"

// Contact is the CRM-side identity a subscription belongs to. The billing
// engine only reads it and caches the processor customer reference on it.
type Contact struct {
	ID                  uint      `gorm:"primaryKey" json:"id"`
	TenantID            uint      `gorm:"not null;index" json:"tenant_id"`
	Email               string    `gorm:"type:varchar(200);not null" json:"email"`
	Name                string    `gorm:"type:varchar(150);default:''" json:"name"`
	ExternalCustomerRef string    `gorm:"type:varchar(191);default:''" json:"external_customer_ref"`
	CreatedAt           time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
