package mail

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/BillFox/internal/pkg/config"
)

func TestRendererCheckoutCreated(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	out, err := r.Render("checkout_created", map[string]interface{}{
		"BrandName":      "Acme",
		"BrandColor":     "#123456",
		"PlanName":       "Pro",
		"FormattedPrice": "29.00 EUR",
		"Interval":       "month",
		"TrialDays":      14,
		"CheckoutURL":    "https://pay.example.com/c/1",
		"SupportEmail":   "help@acme.test",
	})
	require.NoError(t, err)

	assert.Contains(t, out, "Acme")
	assert.Contains(t, out, "29.00 EUR")
	assert.Contains(t, out, "14 day free trial")
	assert.Contains(t, out, `href="https://pay.example.com/c/1"`)
	assert.Contains(t, out, "#123456")
}

func TestSMTPMailerSend(t *testing.T) {
	m := NewSMTPMailer(&config.Config{SMTPHost: "smtp.test", SMTPPort: "2525", SMTPSender: "billing@acme.test"})

	var gotAddr, gotFrom string
	var gotTo []string
	var gotBody []byte
	m.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotBody = addr, from, to, msg
		return nil
	}

	err := m.Send(context.Background(), Message{To: "a@b.test", Subject: "Hi", Body: "<p>x</p>"})
	require.NoError(t, err)
	assert.Equal(t, "smtp.test:2525", gotAddr)
	assert.Equal(t, "billing@acme.test", gotFrom)
	assert.Equal(t, []string{"a@b.test"}, gotTo)
	assert.True(t, strings.HasPrefix(string(gotBody), "From: billing@acme.test\r\nTo: a@b.test\r\nSubject: Hi\r\n"))
	assert.True(t, strings.HasSuffix(string(gotBody), "<p>x</p>"))
}

func TestSMTPMailerErrors(t *testing.T) {
	unconfigured := NewSMTPMailer(&config.Config{})
	assert.Error(t, unconfigured.Send(context.Background(), Message{To: "a@b.test"}))

	m := NewSMTPMailer(&config.Config{SMTPHost: "smtp.test", SMTPPort: "25"})
	m.send = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("refused") }
	assert.EqualError(t, m.Send(context.Background(), Message{To: "a@b.test"}), "refused")
}
