package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ManuelReschke/BillFox/app/models"
	"github.com/ManuelReschke/BillFox/app/repository"
	"github.com/ManuelReschke/BillFox/internal/pkg/constants"
	"github.com/ManuelReschke/BillFox/internal/pkg/metrics"
	"github.com/gofiber/fiber/v2/log"
	"golang.org/x/sync/singleflight"
)

// CheckoutInput requests a subscription checkout for a contact.
type CheckoutInput struct {
	ContactID uint `json:"contact_id" validate:"required"`
	PlanID    uint `json:"plan_id" validate:"required"`
	TrialDays *int `json:"trial_days" validate:"omitempty,gte=0,lte=730"`
}

// CheckoutResult is what the caller redirects to.
type CheckoutResult struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
	Gateway   string `json:"gateway"`
}

// DemoCompletion is the confirmation of a demo checkout page.
type DemoCompletion struct {
	PlanID      uint   `json:"plan" form:"plan" validate:"required"`
	ContactID   uint   `json:"contact" form:"contact"`
	CustomerRef string `json:"customer" form:"customer"`
	SessionID   string `json:"session" form:"session" validate:"required,startswith=demo_cs_"`
	TrialDays   *int   `json:"trial_days" form:"trial_days" validate:"omitempty,gte=0,lte=730"`
}

// Orchestrator is the outbound side: customers, checkout sessions and local
// cancel requests. Processor calls never run under a subscription lock.
type Orchestrator struct {
	repos         *repository.Repositories
	gateways      GatewayProvider
	machine       *StateMachine
	notifier      Notifier
	metrics       *metrics.Billing
	publicBaseURL string
	customers     singleflight.Group
}

// NewOrchestrator wires the orchestrator. notifier and m may be nil.
func NewOrchestrator(repos *repository.Repositories, gateways GatewayProvider, machine *StateMachine, notifier Notifier, m *metrics.Billing, publicBaseURL string) *Orchestrator {
	return &Orchestrator{
		repos:         repos,
		gateways:      gateways,
		machine:       machine,
		notifier:      notifier,
		metrics:       m,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
	}
}

func (o *Orchestrator) getContact(ctx context.Context, tenantID, contactID uint) (*models.Contact, error) {
	contact, err := o.repos.Contact.GetByID(ctx, tenantID, contactID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrContactNotFound
	}
	return contact, err
}

// EnsureCustomer returns the processor customer of a contact, creating it on
// first use. Concurrent calls for one contact share a single processor call.
func (o *Orchestrator) EnsureCustomer(ctx context.Context, tenantID, contactID uint) (string, error) {
	contact, err := o.getContact(ctx, tenantID, contactID)
	if err != nil {
		return "", err
	}
	if contact.ExternalCustomerRef != "" {
		return contact.ExternalCustomerRef, nil
	}

	key := fmt.Sprintf("%d:%d", tenantID, contactID)
	v, err, shared := o.customers.Do(key, func() (interface{}, error) {
		contact, err := o.getContact(ctx, tenantID, contactID)
		if err != nil {
			return "", err
		}
		if contact.ExternalCustomerRef != "" {
			return contact.ExternalCustomerRef, nil
		}

		gw, err := o.gateways.ForTenant(ctx, tenantID)
		if err != nil {
			return "", err
		}
		res := gw.CreateCustomer(ctx, CustomerRequest{
			TenantID:  tenantID,
			ContactID: contact.ID,
			Email:     contact.Email,
			Name:      contact.Name,
		})
		if !res.Success() {
			return "", fmt.Errorf("%w: %w", ErrProviderUnavailable, res.Failure)
		}

		if err := o.repos.Contact.SetExternalCustomerRef(ctx, tenantID, contact.ID, res.Value); err != nil {
			return "", err
		}
		// Another node may have cached a ref first; the stored one wins.
		stored, err := o.getContact(ctx, tenantID, contact.ID)
		if err != nil {
			return "", err
		}
		if stored.ExternalCustomerRef != res.Value {
			log.Warnf("[Billing] Contact %d already had customer %s, discarding %s", contact.ID, stored.ExternalCustomerRef, res.Value)
		}
		return stored.ExternalCustomerRef, nil
	})
	if err != nil {
		return "", err
	}
	if shared {
		log.Debugf("[Billing] Shared customer creation for contact %d", contactID)
	}
	return v.(string), nil
}

// CreateSubscriptionCheckout builds a checkout session for plan and sends one
// notification with its URL.
func (o *Orchestrator) CreateSubscriptionCheckout(ctx context.Context, tenantID uint, in CheckoutInput) (*CheckoutResult, error) {
	if err := validate.Struct(in); err != nil {
		return nil, validationError(err)
	}

	plan, err := o.repos.Plan.GetByID(ctx, tenantID, in.PlanID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, err
	}
	if !plan.IsActive {
		return nil, ErrPlanInactive
	}
	if plan.ExternalPriceRef == "" {
		return nil, fmt.Errorf("%w: plan %d has no processor price", ErrInvalidInput, plan.ID)
	}

	contact, err := o.getContact(ctx, tenantID, in.ContactID)
	if err != nil {
		return nil, err
	}
	customerRef, err := o.EnsureCustomer(ctx, tenantID, contact.ID)
	if err != nil {
		return nil, err
	}

	gw, err := o.gateways.ForTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	trialDays := plan.TrialDays
	md := models.SubscriptionMetadata{
		Version:   models.SubscriptionMetadataVersion,
		PlanID:    plan.ID,
		ContactID: contact.ID,
		TenantID:  tenantID,
		Source:    gw.Name(),
	}
	if in.TrialDays != nil {
		trialDays = *in.TrialDays
		md.Extra = map[string]string{"trial_days": strconv.Itoa(trialDays)}
	}

	res := gw.CreateCheckoutSession(ctx, CheckoutRequest{
		TenantID:    tenantID,
		PlanID:      plan.ID,
		ContactID:   contact.ID,
		CustomerRef: customerRef,
		PriceRef:    plan.ExternalPriceRef,
		TrialDays:   in.TrialDays,
		Metadata:    md.ToMap(),
		SuccessURL:  o.publicBaseURL + constants.CheckoutSuccessRoute + "?session_id=" + constants.CheckoutSessionIDTmpl,
		CancelURL:   o.publicBaseURL + constants.CheckoutCancelRoute,
	})
	if !res.Success() {
		o.countCheckout(gw.Name(), "error")
		log.Errorf("[Billing] Unable to start checkout for contact %d on plan %d: %v", contact.ID, plan.ID, res.Failure)
		return nil, fmt.Errorf("%w: %w", ErrProviderUnavailable, res.Failure)
	}
	o.countCheckout(gw.Name(), "ok")

	if o.notifier != nil {
		err := o.notifier.CheckoutCreated(ctx, CheckoutNotification{
			TenantID:    tenantID,
			Contact:     contact,
			Plan:        plan,
			CheckoutURL: res.Value.URL,
			TrialDays:   trialDays,
			Gateway:     gw.Name(),
		})
		if err != nil {
			log.Warnf("[Billing] Checkout notification for contact %d failed: %v", contact.ID, err)
		}
	}

	return &CheckoutResult{SessionID: res.Value.ID, URL: res.Value.URL, Gateway: gw.Name()}, nil
}

func (o *Orchestrator) countCheckout(gateway, result string) {
	if o.metrics != nil {
		o.metrics.Checkouts.WithLabelValues(gateway, result).Inc()
	}
}

// CancelAtPeriodEnd asks the processor to stop renewal, then records the
// request locally. The deletion event later resolves it to canceled.
func (o *Orchestrator) CancelAtPeriodEnd(ctx context.Context, tenantID, subscriptionID uint) (*models.Subscription, error) {
	sub, err := o.repos.Subscription.GetByID(ctx, tenantID, subscriptionID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}
	if !CanTransition(sub.Status, models.SubscriptionStatusCancelAtPeriodEnd) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, sub.Status, models.SubscriptionStatusCancelAtPeriodEnd)
	}

	gw, err := o.gateways.ForTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	res := gw.CancelAtPeriodEnd(ctx, sub.ExternalRef)
	if !res.Success() {
		return nil, fmt.Errorf("%w: %w", ErrProviderUnavailable, res.Failure)
	}
	return o.machine.MarkCancelRequested(ctx, tenantID, sub)
}

// CompleteDemoCheckout synthesizes the checkout.session.completed a real
// processor would send. Only tenants on the demo gateway may use it.
func (o *Orchestrator) CompleteDemoCheckout(ctx context.Context, tenantID uint, in DemoCompletion) (*models.Subscription, error) {
	if err := validate.Struct(in); err != nil {
		return nil, validationError(err)
	}
	gw, err := o.gateways.ForTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if gw.Name() != GatewayDemo {
		return nil, fmt.Errorf("%w: demo checkout is disabled for tenant %d", ErrInvalidInput, tenantID)
	}

	md := models.SubscriptionMetadata{
		PlanID:    in.PlanID,
		ContactID: in.ContactID,
		TenantID:  tenantID,
		Source:    GatewayDemo,
	}
	if in.TrialDays != nil {
		md.Extra = map[string]string{"trial_days": strconv.Itoa(*in.TrialDays)}
	}
	session := &CheckoutSessionPayload{
		ID:           in.SessionID,
		Mode:         "subscription",
		Customer:     ExternalRef(in.CustomerRef),
		Subscription: ExternalRef(demoSubscriptionRef(in.SessionID)),
		Metadata:     Metadata(md.ToMap()),
	}
	if in.ContactID != 0 {
		session.ClientReferenceID = strconv.FormatUint(uint64(in.ContactID), 10)
	}
	return o.machine.applyCheckoutSession(ctx, tenantID, "demo:"+in.SessionID, session)
}
