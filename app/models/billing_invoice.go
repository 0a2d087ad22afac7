package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	InvoiceStatusDraft         = "draft"
	InvoiceStatusOpen          = "open"
	InvoiceStatusPaid          = "paid"
	InvoiceStatusUncollectible = "uncollectible"
	InvoiceStatusVoid          = "void"
)

// Invoice mirrors a processor invoice, keyed by the external invoice id.
type Invoice struct {
	ID                uint           `gorm:"primaryKey" json:"id"`
	TenantID          uint           `gorm:"not null;index:ux_invoices_tenant_ref,unique,priority:1" json:"tenant_id"`
	SubscriptionID    uint           `gorm:"not null;index" json:"subscription_id"`
	ExternalInvoiceID string         `gorm:"type:varchar(191);not null;index:ux_invoices_tenant_ref,unique,priority:2" json:"external_invoice_id"`
	AmountMinor       int64          `gorm:"not null;default:0" json:"amount_minor"`
	Currency          string         `gorm:"type:varchar(3);not null;default:''" json:"currency"`
	Status            string         `gorm:"type:varchar(32);not null;default:'open';index" json:"status"`
	BillingReason     string         `gorm:"type:varchar(64);default:''" json:"billing_reason"`
	PaidAt            *time.Time     `gorm:"type:timestamp;default:null" json:"paid_at,omitempty"`
	RawPayload        datatypes.JSON `json:"raw_payload"`
	CreatedAt         time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsPaid reports whether the invoice has been settled.
func (i *Invoice) IsPaid() bool {
	return i.Status == InvoiceStatusPaid
}
