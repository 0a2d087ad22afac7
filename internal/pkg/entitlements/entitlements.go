package entitlements

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/ManuelReschke/BillFox/app/models"
	"github.com/ManuelReschke/BillFox/app/repository"
)

// Grant is one subscription that currently entitles a contact.
type Grant struct {
	SubscriptionID uint       `json:"subscription_id"`
	PlanID         uint       `json:"plan_id"`
	PlanName       string     `json:"plan_name"`
	Tier           string     `json:"tier,omitempty"`
	Status         string     `json:"status"`
	Until          *time.Time `json:"until,omitempty"`
}

// Entitlements is what a contact may use right now.
type Entitlements struct {
	ContactID uint     `json:"contact_id"`
	Entitled  bool     `json:"entitled"`
	Tier      string   `json:"tier,omitempty"`
	Features  []string `json:"features"`
	Grants    []Grant  `json:"grants"`
}

// Entitled reports whether a subscription in status grants access at now.
// past_due keeps access while the processor retries the payment; a pending
// cancellation keeps it until the period ends.
func Entitled(sub *models.Subscription, now time.Time) bool {
	switch sub.Status {
	case models.SubscriptionStatusActive, models.SubscriptionStatusTrialing, models.SubscriptionStatusPastDue:
		return true
	case models.SubscriptionStatusCancelAtPeriodEnd:
		return sub.CurrentPeriodEnd == nil || now.Before(*sub.CurrentPeriodEnd)
	}
	return false
}

// Resolver computes entitlements from subscriptions and plan features.
type Resolver struct {
	repos *repository.Repositories
	now   func() time.Time
}

func NewResolver(repos *repository.Repositories) *Resolver {
	return &Resolver{repos: repos, now: time.Now}
}

// ForContact merges the features of every entitling subscription of a
// contact. The tier is taken from the most expensive entitling plan.
func (r *Resolver) ForContact(ctx context.Context, tenantID, contactID uint) (*Entitlements, error) {
	subs, err := r.repos.Subscription.ListByContact(ctx, tenantID, contactID)
	if err != nil {
		return nil, err
	}

	now := r.now()
	out := &Entitlements{ContactID: contactID, Features: []string{}, Grants: []Grant{}}
	features := map[string]struct{}{}
	var topAmount int64 = -1

	for i := range subs {
		sub := &subs[i]
		if !Entitled(sub, now) || sub.PlanID == nil {
			continue
		}
		plan, err := r.repos.Plan.GetByID(ctx, tenantID, *sub.PlanID)
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}

		md := plan.Metadata.Data()
		for _, f := range md.Features {
			features[f] = struct{}{}
		}
		if plan.AmountMinor > topAmount {
			topAmount = plan.AmountMinor
			out.Tier = md.Tier
		}
		out.Grants = append(out.Grants, Grant{
			SubscriptionID: sub.ID,
			PlanID:         plan.ID,
			PlanName:       plan.Name,
			Tier:           md.Tier,
			Status:         sub.Status,
			Until:          sub.CurrentPeriodEnd,
		})
	}

	for f := range features {
		out.Features = append(out.Features, f)
	}
	sort.Strings(out.Features)
	out.Entitled = len(out.Grants) > 0
	return out, nil
}
