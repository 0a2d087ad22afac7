package models

import "time"

const (
	TransactionTypeSubscriptionPayment = "subscription_payment"
	TransactionStatusSucceeded         = "succeeded"
)

// Transaction is an append-only revenue ledger entry. ProviderEventID holds
// the external invoice id for subscription payments, so one invoice can only
// ever be credited once per tenant.
type Transaction struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	TenantID        uint      `gorm:"not null;index:ux_transactions_tenant_provider_event,unique,priority:1" json:"tenant_id"`
	SubscriptionID  uint      `gorm:"not null;index" json:"subscription_id"`
	InvoiceID       uint      `gorm:"index" json:"invoice_id"`
	AmountMinor     int64     `gorm:"not null" json:"amount_minor"`
	Currency        string    `gorm:"type:varchar(3);not null" json:"currency"`
	Status          string    `gorm:"type:varchar(32);not null" json:"status"`
	Provider        string    `gorm:"type:varchar(20);not null" json:"provider"`
	ProviderEventID string    `gorm:"type:varchar(191);not null;index:ux_transactions_tenant_provider_event,unique,priority:2" json:"provider_event_id"`
	SourceEventID   string    `gorm:"type:varchar(191);default:''" json:"source_event_id"`
	Type            string    `gorm:"type:varchar(50);not null" json:"type"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
}
