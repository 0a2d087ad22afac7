package billing

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/ManuelReschke/BillFox/internal/pkg/metrics"
	"github.com/gofiber/fiber/v2/log"
	"github.com/sony/gobreaker/v2"
	"github.com/stripe/stripe-go/v75"
	"github.com/stripe/stripe-go/v75/client"
)

type StripeGatewayConfig struct {
	SecretKey string
	// BaseURL replaces https://api.stripe.com, used for proxies and tests.
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Name       string
	// FailureThreshold consecutive retryable failures open the breaker.
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

// StripeGateway is the CheckoutGateway backed by the Stripe API.
type StripeGateway struct {
	api     *client.API
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker[any]
	metrics *metrics.Billing
}

// NewStripeGateway builds a client with its own backend so per-tenant keys
// never touch the global stripe.Key.
func NewStripeGateway(cfg StripeGatewayConfig, m *metrics.Billing) *StripeGateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = GatewayStripe
	}

	backendConfig := &stripe.BackendConfig{
		HTTPClient:        cfg.HTTPClient,
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	if cfg.BaseURL != "" {
		backendConfig.URL = stripe.String(cfg.BaseURL)
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, backendConfig)

	api := &client.API{}
	api.Init(cfg.SecretKey, &stripe.Backends{API: backend, Connect: backend, Uploads: backend})

	threshold := cfg.FailureThreshold
	breaker := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !classifyStripeError("", err).Retryable
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnf("[Billing] Circuit breaker %s changed from %s to %s", name, from.String(), to.String())
		},
	})

	return &StripeGateway{api: api, timeout: cfg.Timeout, breaker: breaker, metrics: m}
}

func (g *StripeGateway) Name() string { return GatewayStripe }

// stripeCall bounds fn by the gateway timeout and the breaker and converts
// every failure into a ProviderError.
func stripeCall[T any](ctx context.Context, g *StripeGateway, op string, fn func(params stripe.Params) (T, error)) Result[T] {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	out, err := g.breaker.Execute(func() (any, error) {
		return fn(stripe.Params{Context: callCtx})
	})
	if err != nil {
		pe := classifyStripeError(op, err)
		g.observe(op, string(pe.Kind))
		log.Warnf("[Billing] Stripe %s failed: %v", op, pe)
		return failed[T](pe)
	}
	g.observe(op, "ok")
	return ok(out.(T))
}

func (g *StripeGateway) observe(op, result string) {
	if g.metrics != nil {
		g.metrics.GatewayCalls.WithLabelValues(GatewayStripe, op, result).Inc()
	}
}

func (g *StripeGateway) CreateProduct(ctx context.Context, req ProductRequest) Result[string] {
	return stripeCall(ctx, g, "create_product", func(p stripe.Params) (string, error) {
		params := &stripe.ProductParams{Params: p, Name: stripe.String(req.Name)}
		params.AddMetadata("plan_id", strconv.FormatUint(uint64(req.PlanID), 10))
		params.AddMetadata("tenant_id", strconv.FormatUint(uint64(req.TenantID), 10))
		prod, err := g.api.Products.New(params)
		if err != nil {
			return "", err
		}
		return prod.ID, nil
	})
}

func (g *StripeGateway) CreatePrice(ctx context.Context, req PriceRequest) Result[string] {
	return stripeCall(ctx, g, "create_price", func(p stripe.Params) (string, error) {
		params := &stripe.PriceParams{
			Params:     p,
			Product:    stripe.String(req.ProductRef),
			UnitAmount: stripe.Int64(req.AmountMinor),
			Currency:   stripe.String(req.Currency),
			Recurring: &stripe.PriceRecurringParams{
				Interval: stripe.String(req.Interval),
			},
		}
		params.AddMetadata("plan_id", strconv.FormatUint(uint64(req.PlanID), 10))
		price, err := g.api.Prices.New(params)
		if err != nil {
			return "", err
		}
		return price.ID, nil
	})
}

func (g *StripeGateway) CreateCustomer(ctx context.Context, req CustomerRequest) Result[string] {
	return stripeCall(ctx, g, "create_customer", func(p stripe.Params) (string, error) {
		params := &stripe.CustomerParams{Params: p, Email: stripe.String(req.Email)}
		if req.Name != "" {
			params.Name = stripe.String(req.Name)
		}
		params.AddMetadata("contact_id", strconv.FormatUint(uint64(req.ContactID), 10))
		params.AddMetadata("tenant_id", strconv.FormatUint(uint64(req.TenantID), 10))
		cus, err := g.api.Customers.New(params)
		if err != nil {
			return "", err
		}
		return cus.ID, nil
	})
}

func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) Result[CheckoutSession] {
	return stripeCall(ctx, g, "create_checkout_session", func(p stripe.Params) (CheckoutSession, error) {
		subData := &stripe.CheckoutSessionSubscriptionDataParams{Metadata: req.Metadata}
		if req.TrialDays != nil && *req.TrialDays > 0 {
			subData.TrialPeriodDays = stripe.Int64(int64(*req.TrialDays))
		}
		params := &stripe.CheckoutSessionParams{
			Params:   p,
			Mode:     stripe.String(string(stripe.CheckoutSessionModeSubscription)),
			Customer: stripe.String(req.CustomerRef),
			LineItems: []*stripe.CheckoutSessionLineItemParams{
				{Price: stripe.String(req.PriceRef), Quantity: stripe.Int64(1)},
			},
			ClientReferenceID: stripe.String(strconv.FormatUint(uint64(req.ContactID), 10)),
			SubscriptionData:  subData,
			SuccessURL:        stripe.String(req.SuccessURL),
			CancelURL:         stripe.String(req.CancelURL),
		}
		for k, v := range req.Metadata {
			params.AddMetadata(k, v)
		}
		sess, err := g.api.CheckoutSessions.New(params)
		if err != nil {
			return CheckoutSession{}, err
		}
		return CheckoutSession{ID: sess.ID, URL: sess.URL}, nil
	})
}

func (g *StripeGateway) CancelAtPeriodEnd(ctx context.Context, subscriptionRef string) Result[bool] {
	return stripeCall(ctx, g, "cancel_at_period_end", func(p stripe.Params) (bool, error) {
		params := &stripe.SubscriptionParams{Params: p, CancelAtPeriodEnd: stripe.Bool(true)}
		sub, err := g.api.Subscriptions.Update(subscriptionRef, params)
		if err != nil {
			return false, err
		}
		return sub.CancelAtPeriodEnd, nil
	})
}

// classifyStripeError maps API, transport and breaker errors onto ProviderError.
func classifyStripeError(op string, err error) *ProviderError {
	pe := &ProviderError{Op: op, Message: err.Error(), Err: err}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		pe.Kind = ProviderErrorCircuitOpen
		pe.Retryable = true
		return pe
	}

	var serr *stripe.Error
	if errors.As(err, &serr) {
		pe.StatusCode = serr.HTTPStatusCode
		pe.Code = string(serr.Code)
		if serr.Msg != "" {
			pe.Message = serr.Msg
		}
		switch {
		case serr.Type == stripe.ErrorTypeCard:
			pe.Kind = ProviderErrorCardDeclined
		case serr.HTTPStatusCode == http.StatusTooManyRequests:
			pe.Kind = ProviderErrorRateLimited
			pe.Retryable = true
		case serr.HTTPStatusCode == http.StatusUnauthorized || serr.HTTPStatusCode == http.StatusForbidden:
			pe.Kind = ProviderErrorAuth
		case serr.HTTPStatusCode >= 500:
			pe.Kind = ProviderErrorServer
			pe.Retryable = true
		case serr.HTTPStatusCode == 0:
			pe.Kind = ProviderErrorNetwork
			pe.Retryable = true
		default:
			pe.Kind = ProviderErrorInvalidRequest
		}
		return pe
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		pe.Kind = ProviderErrorTimeout
		pe.Retryable = true
		return pe
	}
	pe.Kind = ProviderErrorNetwork
	pe.Retryable = true
	return pe
}
