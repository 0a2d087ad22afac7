package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ManuelReschke/BillFox/app/models"
	"github.com/ManuelReschke/BillFox/app/repository"
	"github.com/ManuelReschke/BillFox/internal/pkg/mail"
	"github.com/gofiber/fiber/v2/log"
	"github.com/shopspring/decimal"
)

const defaultBrandName = "BillFox"

// CheckoutNotification is sent once per created checkout session.
type CheckoutNotification struct {
	TenantID    uint
	Contact     *models.Contact
	Plan        *models.Plan
	CheckoutURL string
	TrialDays   int
	Gateway     string
}

// Notifier delivers checkout notifications. Errors are logged by the caller
// and never undo the checkout.
type Notifier interface {
	CheckoutCreated(ctx context.Context, n CheckoutNotification) error
}

type checkoutEmailData struct {
	BrandName      string
	BrandColor     string
	PlanName       string
	FormattedPrice string
	Interval       string
	TrialDays      int
	CheckoutURL    string
	SupportEmail   string
}

// MailNotifier renders the checkout_created template with tenant branding.
type MailNotifier struct {
	settings repository.TenantSettingsRepository
	renderer *mail.Renderer
	mailer   mail.Mailer
}

func NewMailNotifier(settings repository.TenantSettingsRepository, renderer *mail.Renderer, mailer mail.Mailer) *MailNotifier {
	return &MailNotifier{settings: settings, renderer: renderer, mailer: mailer}
}

func (n *MailNotifier) CheckoutCreated(ctx context.Context, cn CheckoutNotification) error {
	if cn.Contact == nil || strings.TrimSpace(cn.Contact.Email) == "" {
		return errors.New("contact has no email address")
	}

	data := checkoutEmailData{
		BrandName:      defaultBrandName,
		PlanName:       cn.Plan.Name,
		FormattedPrice: FormatPrice(cn.Plan.AmountMinor, cn.Plan.Currency),
		Interval:       cn.Plan.BillingInterval,
		TrialDays:      cn.TrialDays,
		CheckoutURL:    cn.CheckoutURL,
	}
	settings, err := n.settings.GetByTenantID(ctx, cn.TenantID)
	switch {
	case err == nil:
		if !settings.NotifyOnCheckout {
			log.Debugf("[Billing] Checkout notifications disabled for tenant %d", cn.TenantID)
			return nil
		}
		if settings.BrandName != "" {
			data.BrandName = settings.BrandName
		}
		data.BrandColor = settings.BrandColor
		data.SupportEmail = settings.SupportEmail
	case !errors.Is(err, repository.ErrNotFound):
		return err
	}

	body, err := n.renderer.Render("checkout_created", data)
	if err != nil {
		return fmt.Errorf("render checkout email: %w", err)
	}
	return n.mailer.Send(ctx, mail.Message{
		To:      cn.Contact.Email,
		Subject: fmt.Sprintf("%s: complete your %s subscription", data.BrandName, cn.Plan.Name),
		Body:    body,
	})
}

var zeroDecimalCurrencies = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true, "kmf": true,
	"krw": true, "mga": true, "pyg": true, "rwf": true, "ugx": true, "vnd": true,
	"vuv": true, "xaf": true, "xof": true, "xpf": true,
}

// FormatPrice renders minor units as "12.50 EUR".
func FormatPrice(amountMinor int64, currency string) string {
	cur := strings.ToLower(strings.TrimSpace(currency))
	if zeroDecimalCurrencies[cur] {
		return fmt.Sprintf("%s %s", decimal.NewFromInt(amountMinor).String(), strings.ToUpper(cur))
	}
	return fmt.Sprintf("%s %s", decimal.New(amountMinor, -2).StringFixed(2), strings.ToUpper(cur))
}
