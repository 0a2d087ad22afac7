package models

import (
	"strconv"
	"strings"
	"time"

	"gorm.io/datatypes"
)

const (
	SubscriptionStatusTrialing          = "trialing"
	SubscriptionStatusActive            = "active"
	SubscriptionStatusPastDue           = "past_due"
	SubscriptionStatusCancelAtPeriodEnd = "cancel_at_period_end"
	SubscriptionStatusCanceled          = "canceled"
)

// SubscriptionMetadataVersion is bumped whenever SubscriptionMetadata changes shape.
const SubscriptionMetadataVersion = 1

// Subscription is the local mirror of a processor subscription. It is only
// ever mutated by the billing state machine and never hard-deleted.
type Subscription struct {
	ID                  uint                                      `gorm:"primaryKey" json:"id"`
	TenantID            uint                                      `gorm:"not null;index:ux_subscriptions_tenant_ref,unique,priority:1;index:idx_subscriptions_tenant_status,priority:1" json:"tenant_id"`
	ContactID           *uint                                     `gorm:"index" json:"contact_id,omitempty"`
	ExternalCustomerRef string                                    `gorm:"type:varchar(191);default:''" json:"external_customer_ref"`
	ExternalRef         string                                    `gorm:"type:varchar(191);not null;index:ux_subscriptions_tenant_ref,unique,priority:2" json:"external_ref"`
	PlanID              *uint                                     `gorm:"index" json:"plan_id,omitempty"`
	Status              string                                    `gorm:"type:varchar(32);not null;default:'active';index:idx_subscriptions_tenant_status,priority:2" json:"status"`
	CurrentPeriodStart  *time.Time                                `gorm:"type:timestamp;default:null" json:"current_period_start,omitempty"`
	CurrentPeriodEnd    *time.Time                                `gorm:"type:timestamp;default:null" json:"current_period_end,omitempty"`
	CancelAtPeriodEnd   bool                                      `gorm:"default:false" json:"cancel_at_period_end"`
	CanceledAt          *time.Time                                `gorm:"type:timestamp;default:null" json:"canceled_at,omitempty"`
	TrialEnd            *time.Time                                `gorm:"type:timestamp;default:null" json:"trial_end,omitempty"`
	Metadata            datatypes.JSONType[SubscriptionMetadata] `json:"metadata"`
	Version             uint                                      `gorm:"not null;default:0" json:"version"`
	CreatedAt           time.Time                                 `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time                                 `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsTerminal reports whether the subscription reached its final state.
func (s *Subscription) IsTerminal() bool {
	return s.Status == SubscriptionStatusCanceled
}

// SubscriptionMetadata holds the known metadata keys exchanged with the
// processor. Unknown keys are kept in Extra.
type SubscriptionMetadata struct {
	Version   int               `json:"v"`
	PlanID    uint              `json:"plan_id,omitempty"`
	ContactID uint              `json:"contact_id,omitempty"`
	TenantID  uint              `json:"tenant_id,omitempty"`
	Source    string            `json:"source,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// SubscriptionMetadataFromMap parses a processor metadata map.
func SubscriptionMetadataFromMap(m map[string]string) SubscriptionMetadata {
	md := SubscriptionMetadata{Version: SubscriptionMetadataVersion}
	for k, v := range m {
		v = strings.TrimSpace(v)
		switch k {
		case "plan_id":
			md.PlanID = parseUint(v)
		case "contact_id", "user_id":
			if md.ContactID == 0 {
				md.ContactID = parseUint(v)
			}
		case "tenant_id":
			md.TenantID = parseUint(v)
		case "source":
			md.Source = v
		default:
			if md.Extra == nil {
				md.Extra = map[string]string{}
			}
			md.Extra[k] = v
		}
	}
	return md
}

// ToMap renders the metadata in the flat form the processor accepts.
func (m SubscriptionMetadata) ToMap() map[string]string {
	out := make(map[string]string, len(m.Extra)+4)
	for k, v := range m.Extra {
		out[k] = v
	}
	if m.PlanID != 0 {
		out["plan_id"] = strconv.FormatUint(uint64(m.PlanID), 10)
	}
	if m.ContactID != 0 {
		out["contact_id"] = strconv.FormatUint(uint64(m.ContactID), 10)
	}
	if m.TenantID != 0 {
		out["tenant_id"] = strconv.FormatUint(uint64(m.TenantID), 10)
	}
	if m.Source != "" {
		out["source"] = m.Source
	}
	return out
}

// Merge overlays non-empty fields of other onto m.
func (m SubscriptionMetadata) Merge(other SubscriptionMetadata) SubscriptionMetadata {
	m.Version = SubscriptionMetadataVersion
	if other.PlanID != 0 {
		m.PlanID = other.PlanID
	}
	if other.ContactID != 0 {
		m.ContactID = other.ContactID
	}
	if other.TenantID != 0 {
		m.TenantID = other.TenantID
	}
	if other.Source != "" {
		m.Source = other.Source
	}
	if len(other.Extra) > 0 && m.Extra == nil {
		m.Extra = map[string]string{}
	}
	for k, v := range other.Extra {
		m.Extra[k] = v
	}
	return m
}

func parseUint(v string) uint {
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0
	}
	return uint(n)
}
