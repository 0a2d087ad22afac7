package billing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Canonical event types understood by the engine.
const (
	EventCheckoutSessionCompleted = "checkout.session.completed"
	EventSubscriptionCreated      = "customer.subscription.created"
	EventSubscriptionUpdated      = "customer.subscription.updated"
	EventSubscriptionDeleted      = "customer.subscription.deleted"
	EventInvoicePaid              = "invoice.paid"
	EventInvoicePaymentSucceeded  = "invoice.payment_succeeded"
	EventInvoicePaymentFailed     = "invoice.payment_failed"
	EventInvoiceFinalized         = "invoice.finalized"
	EventInvoiceUpdated           = "invoice.updated"
)

const BillingReasonSubscriptionCycle = "subscription_cycle"

// Event is the canonical envelope of a processor webhook delivery.
type Event struct {
	ID      string
	Type    string
	Created int64
	Object  json.RawMessage
}

// ExternalRef is a processor id that may arrive either as a bare string or as
// an expanded object carrying an "id".
type ExternalRef string

func (r *ExternalRef) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*r = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*r = ExternalRef(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*r = ExternalRef(obj.ID)
	return nil
}

// Metadata is a processor metadata map. Scalar values of any JSON type are
// kept in their string form.
type Metadata map[string]string

func (m *Metadata) UnmarshalJSON(b []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make(Metadata, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case nil:
		case string:
			out[k] = val
		case float64:
			out[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(val)
		default:
			return fmt.Errorf("metadata key %q: unsupported value", k)
		}
	}
	*m = out
	return nil
}

// SubscriptionPayload is the subscription object carried by subscription events.
type SubscriptionPayload struct {
	ID                 string      `json:"id"`
	Customer           ExternalRef `json:"customer"`
	Status             string      `json:"status"`
	CurrentPeriodStart int64       `json:"current_period_start"`
	CurrentPeriodEnd   int64       `json:"current_period_end"`
	CancelAtPeriodEnd  bool        `json:"cancel_at_period_end"`
	CanceledAt         int64       `json:"canceled_at"`
	TrialEnd           int64       `json:"trial_end"`
	Metadata           Metadata    `json:"metadata"`
	Items              struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// PriceRef returns the price of the first line item.
func (p *SubscriptionPayload) PriceRef() string {
	if len(p.Items.Data) == 0 {
		return ""
	}
	return p.Items.Data[0].Price.ID
}

// InvoicePayload is the invoice object carried by invoice events.
type InvoicePayload struct {
	ID                string      `json:"id"`
	Subscription      ExternalRef `json:"subscription"`
	Customer          ExternalRef `json:"customer"`
	Status            string      `json:"status"`
	Paid              bool        `json:"paid"`
	Currency          string      `json:"currency"`
	AmountPaid        int64       `json:"amount_paid"`
	AmountDue         int64       `json:"amount_due"`
	BillingReason     string      `json:"billing_reason"`
	StatusTransitions struct {
		PaidAt int64 `json:"paid_at"`
	} `json:"status_transitions"`
}

// CheckoutSessionPayload is the session object of checkout.session.completed.
type CheckoutSessionPayload struct {
	ID                string      `json:"id"`
	Mode              string      `json:"mode"`
	Customer          ExternalRef `json:"customer"`
	Subscription      ExternalRef `json:"subscription"`
	ClientReferenceID string      `json:"client_reference_id"`
	Metadata          Metadata    `json:"metadata"`
}

// decodeObject unmarshals an event object into T.
func decodeObject[T any](ev *Event) (*T, error) {
	var out T
	if err := json.Unmarshal(ev.Object, &out); err != nil {
		return nil, fmt.Errorf("%w: %s object: %v", ErrMalformedPayload, ev.Type, err)
	}
	return &out, nil
}
