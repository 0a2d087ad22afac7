package repository

import (
	"context"
	"errors"
	"time"

	"github.com/ManuelReschke/BillFox/app/models"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned instead of gorm.ErrRecordNotFound.
	ErrNotFound = errors.New("record not found")
	// ErrVersionConflict is returned when a subscription was modified concurrently.
	ErrVersionConflict = errors.New("subscription version conflict")
)

// PlanRepository defines the interface for plan catalog operations
type PlanRepository interface {
	Create(ctx context.Context, plan *models.Plan) error
	GetByID(ctx context.Context, tenantID, id uint) (*models.Plan, error)
	GetByExternalPriceRef(ctx context.Context, tenantID uint, priceRef string) (*models.Plan, error)
	ListByTenant(ctx context.Context, tenantID uint, activeOnly bool) ([]models.Plan, error)
	Update(ctx context.Context, plan *models.Plan) error
	IsReferenced(ctx context.Context, planID uint) (bool, error)
}

// SubscriptionRepository defines the interface for subscription operations
type SubscriptionRepository interface {
	GetByID(ctx context.Context, tenantID, id uint) (*models.Subscription, error)
	GetByExternalRef(ctx context.Context, tenantID uint, externalRef string) (*models.Subscription, error)
	CreateIfNotExists(ctx context.Context, sub *models.Subscription) (bool, error)
	Save(ctx context.Context, sub *models.Subscription) error
	ListByTenant(ctx context.Context, tenantID uint, status string, offset, limit int) ([]models.Subscription, error)
	ListByContact(ctx context.Context, tenantID, contactID uint) ([]models.Subscription, error)
	CountByTenant(ctx context.Context, tenantID uint) (int64, error)
	CountByStatus(ctx context.Context, tenantID uint) (map[string]int64, error)
}

// SubscriptionEventRepository defines the interface for the webhook event ledger
type SubscriptionEventRepository interface {
	CreateIfNotExists(ctx context.Context, event *models.SubscriptionEvent) (bool, *models.SubscriptionEvent, error)
	GetByID(ctx context.Context, id uint) (*models.SubscriptionEvent, error)
	MarkProcessed(ctx context.Context, id uint, subscriptionID *uint, note string) error
	MarkFailed(ctx context.Context, id uint, processingError string) error
	ListPending(ctx context.Context, tenantID uint, olderThan time.Time, limit int) ([]models.SubscriptionEvent, error)
	CountByTenant(ctx context.Context, tenantID uint) (int64, error)
	CountPending(ctx context.Context, tenantID uint) (int64, error)
}

// InvoiceRepository defines the interface for invoice operations
type InvoiceRepository interface {
	Upsert(ctx context.Context, invoice *models.Invoice) error
	GetByExternalID(ctx context.Context, tenantID uint, externalInvoiceID string) (*models.Invoice, error)
	ListBySubscription(ctx context.Context, tenantID, subscriptionID uint) ([]models.Invoice, error)
}

// TransactionRepository defines the interface for the revenue ledger
type TransactionRepository interface {
	CreateIfNotExists(ctx context.Context, txn *models.Transaction) (bool, error)
	ListBySubscription(ctx context.Context, tenantID, subscriptionID uint) ([]models.Transaction, error)
	CountByProviderEventID(ctx context.Context, tenantID uint, providerEventID string) (int64, error)
	SumByCurrency(ctx context.Context, tenantID uint, since time.Time) (map[string]int64, error)
}

// ContactRepository defines the interface for the CRM contact collaborator
type ContactRepository interface {
	Create(ctx context.Context, contact *models.Contact) error
	GetByID(ctx context.Context, tenantID, id uint) (*models.Contact, error)
	SetExternalCustomerRef(ctx context.Context, tenantID, id uint, customerRef string) error
}

// TenantSettingsRepository defines the interface for per-tenant billing settings
type TenantSettingsRepository interface {
	GetByTenantID(ctx context.Context, tenantID uint) (*models.TenantBillingSettings, error)
	Upsert(ctx context.Context, settings *models.TenantBillingSettings) error
}

// Repositories holds all repository instances
type Repositories struct {
	db             *gorm.DB
	Plan           PlanRepository
	Subscription   SubscriptionRepository
	Event          SubscriptionEventRepository
	Invoice        InvoiceRepository
	Transaction    TransactionRepository
	Contact        ContactRepository
	TenantSettings TenantSettingsRepository
}

// NewRepositories creates all repositories over one connection
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		db:             db,
		Plan:           NewPlanRepository(db),
		Subscription:   NewSubscriptionRepository(db),
		Event:          NewSubscriptionEventRepository(db),
		Invoice:        NewInvoiceRepository(db),
		Transaction:    NewTransactionRepository(db),
		Contact:        NewContactRepository(db),
		TenantSettings: NewTenantSettingsRepository(db),
	}
}

// DB exposes the underlying connection, used for health checks.
func (r *Repositories) DB() *gorm.DB {
	return r.db
}

// WithTransaction runs fn with repositories bound to a single database transaction.
func (r *Repositories) WithTransaction(ctx context.Context, fn func(tx *Repositories) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewRepositories(tx))
	})
}

func translateError(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
