package repository

import (
	"context"

	"github.com/ManuelReschke/BillFox/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type invoiceRepository struct {
	db *gorm.DB
}

// NewInvoiceRepository creates a new invoice repository instance
func NewInvoiceRepository(db *gorm.DB) InvoiceRepository {
	return &invoiceRepository{db: db}
}

func (r *invoiceRepository) Upsert(ctx context.Context, invoice *models.Invoice) error {
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "tenant_id"},
			{Name: "external_invoice_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"subscription_id",
			"amount_minor",
			"currency",
			"status",
			"billing_reason",
			"paid_at",
			"raw_payload",
			"updated_at",
		}),
	}).Create(invoice).Error; err != nil {
		return err
	}

	// Ensure ID is populated after upsert.
	return r.db.WithContext(ctx).Where("tenant_id = ? AND external_invoice_id = ?", invoice.TenantID, invoice.ExternalInvoiceID).
		First(invoice).Error
}

func (r *invoiceRepository) GetByExternalID(ctx context.Context, tenantID uint, externalInvoiceID string) (*models.Invoice, error) {
	var invoice models.Invoice
	err := r.db.WithContext(ctx).Where("tenant_id = ? AND external_invoice_id = ?", tenantID, externalInvoiceID).First(&invoice).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &invoice, nil
}

func (r *invoiceRepository) ListBySubscription(ctx context.Context, tenantID, subscriptionID uint) ([]models.Invoice, error) {
	var invoices []models.Invoice
	err := r.db.WithContext(ctx).Where("tenant_id = ? AND subscription_id = ?", tenantID, subscriptionID).
		Order("id ASC").Find(&invoices).Error
	return invoices, err
}
