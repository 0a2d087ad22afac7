package repository

import (
	"context"

	"github.com/ManuelReschke/BillFox/app/models"
	"gorm.io/gorm"
)

type contactRepository struct {
	db *gorm.DB
}

// NewContactRepository creates a new contact repository instance
func NewContactRepository(db *gorm.DB) ContactRepository {
	return &contactRepository{db: db}
}

func (r *contactRepository) Create(ctx context.Context, contact *models.Contact) error {
	return r.db.WithContext(ctx).Create(contact).Error
}

func (r *contactRepository) GetByID(ctx context.Context, tenantID, id uint) (*models.Contact, error) {
	var contact models.Contact
	err := r.db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantID, id).First(&contact).Error
	if err != nil {
		return nil, translateError(err)
	}
	return &contact, nil
}

// SetExternalCustomerRef caches the processor customer id on the contact. An
// already cached reference is never overwritten.
func (r *contactRepository) SetExternalCustomerRef(ctx context.Context, tenantID, id uint, customerRef string) error {
	tx := r.db.WithContext(ctx).Model(&models.Contact{}).
		Where("tenant_id = ? AND id = ? AND (external_customer_ref = '' OR external_customer_ref IS NULL)", tenantID, id).
		Update("external_customer_ref", customerRef)
	return tx.Error
}
