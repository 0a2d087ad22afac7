package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ManuelReschke/BillFox/app/repository"
	"github.com/ManuelReschke/BillFox/internal/pkg/metrics"
	"github.com/ManuelReschke/BillFox/internal/pkg/security"
	"github.com/gofiber/fiber/v2/log"
)

const (
	GatewayStripe = "stripe"
	GatewayDemo   = "demo"
)

type ProductRequest struct {
	TenantID uint
	PlanID   uint
	Name     string
}

type PriceRequest struct {
	TenantID    uint
	PlanID      uint
	ProductRef  string
	AmountMinor int64
	Currency    string
	Interval    string
}

type CustomerRequest struct {
	TenantID  uint
	ContactID uint
	Email     string
	Name      string
}

type CheckoutRequest struct {
	TenantID    uint
	PlanID      uint
	ContactID   uint
	CustomerRef string
	PriceRef    string
	TrialDays   *int
	Metadata    map[string]string
	SuccessURL  string
	CancelURL   string
}

type CheckoutSession struct {
	ID  string
	URL string
}

// CheckoutGateway talks to the payment processor. Every call returns a
// Result; transport errors never escape as plain errors.
type CheckoutGateway interface {
	Name() string
	CreateProduct(ctx context.Context, req ProductRequest) Result[string]
	CreatePrice(ctx context.Context, req PriceRequest) Result[string]
	CreateCustomer(ctx context.Context, req CustomerRequest) Result[string]
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) Result[CheckoutSession]
	CancelAtPeriodEnd(ctx context.Context, subscriptionRef string) Result[bool]
}

// GatewayProvider resolves the gateway of a tenant.
type GatewayProvider interface {
	ForTenant(ctx context.Context, tenantID uint) (CheckoutGateway, error)
}

// GatewaySelector picks the gateway once per tenant: Stripe when processor
// credentials are stored, the demo gateway otherwise.
type GatewaySelector struct {
	settings repository.TenantSettingsRepository
	box      *security.Box
	demo     *DemoGateway
	timeout  time.Duration
	apiURL   string
	metrics  *metrics.Billing
	cache    sync.Map
}

// NewGatewaySelector creates a selector. apiURL overrides the processor base
// URL for tenants without their own override; empty means the default.
func NewGatewaySelector(settings repository.TenantSettingsRepository, box *security.Box, demo *DemoGateway, timeout time.Duration, apiURL string, m *metrics.Billing) *GatewaySelector {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &GatewaySelector{
		settings: settings,
		box:      box,
		demo:     demo,
		timeout:  timeout,
		apiURL:   strings.TrimRight(apiURL, "/"),
		metrics:  m,
	}
}

func (s *GatewaySelector) ForTenant(ctx context.Context, tenantID uint) (CheckoutGateway, error) {
	if gw, ok := s.cache.Load(tenantID); ok {
		return gw.(CheckoutGateway), nil
	}

	settings, err := s.settings.GetByTenantID(ctx, tenantID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	var gw CheckoutGateway
	if !settings.HasProcessorCredentials() {
		gw = s.demo
	} else {
		if s.box == nil {
			return nil, fmt.Errorf("%w: no secret key to open processor credentials", ErrTenantNotConfigured)
		}
		key, err := s.box.Open(settings.ProcessorKeyEnc)
		if err != nil {
			return nil, fmt.Errorf("open processor key for tenant %d: %w", tenantID, err)
		}
		baseURL := strings.TrimRight(settings.ProcessorAPIBaseURL, "/")
		if baseURL == "" {
			baseURL = s.apiURL
		}
		gw = NewStripeGateway(StripeGatewayConfig{
			SecretKey: key,
			BaseURL:   baseURL,
			Timeout:   s.timeout,
			Name:      fmt.Sprintf("stripe-tenant-%d", tenantID),
		}, s.metrics)
	}

	actual, loaded := s.cache.LoadOrStore(tenantID, gw)
	if !loaded {
		log.Infof("[Billing] Tenant %d uses the %s gateway", tenantID, gw.Name())
	}
	return actual.(CheckoutGateway), nil
}

// Invalidate drops the cached gateway after a settings change.
func (s *GatewaySelector) Invalidate(tenantID uint) {
	s.cache.Delete(tenantID)
}
