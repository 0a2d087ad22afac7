package billing

import (
	"time"

	"github.com/ManuelReschke/BillFox/app/repository"
	"github.com/ManuelReschke/BillFox/internal/pkg/lock"
	"github.com/ManuelReschke/BillFox/internal/pkg/metrics"
	"github.com/ManuelReschke/BillFox/internal/pkg/security"
)

// Dependencies are the collaborators of the billing engine.
type Dependencies struct {
	Repos            *repository.Repositories
	Locker           lock.Locker
	Queue            DelayedEnqueuer
	Audit            AuditSink
	Metrics          *metrics.Billing
	Notifier         Notifier
	Box              *security.Box
	PublicBaseURL    string
	ProcessorTimeout time.Duration
	ProcessorAPIURL  string
	RetryPolicy      RetryPolicy
}

// Service bundles the engine components sharing one locker and audit sink.
type Service struct {
	Ledger     *Ledger
	Machine    *StateMachine
	Reconciler *Reconciler
	Retry      *RetryScheduler
	Gateways   *GatewaySelector
	Catalog    *Catalog
	Checkout   *Orchestrator
	Processor  *Processor
}

// NewService creates the billing engine. A nil Queue disables payment re-checks.
func NewService(deps Dependencies) *Service {
	if deps.Locker == nil {
		deps.Locker = lock.NewInMemoryLocker()
	}
	if deps.Audit == nil {
		deps.Audit = LogAuditSink{}
	}

	s := &Service{Ledger: NewLedger(deps.Repos)}
	var scheduler PaymentRetryScheduler
	if deps.Queue != nil {
		s.Retry = NewRetryScheduler(deps.Repos, deps.Queue, deps.RetryPolicy, deps.Audit, deps.Metrics)
		scheduler = s.Retry
	}
	s.Machine = NewStateMachine(deps.Repos, deps.Locker, deps.Audit, deps.Metrics, scheduler)
	s.Reconciler = NewReconciler(deps.Repos, deps.Locker, deps.Audit)
	s.Gateways = NewGatewaySelector(deps.Repos.TenantSettings, deps.Box,
		NewDemoGateway(deps.PublicBaseURL, deps.Metrics), deps.ProcessorTimeout, deps.ProcessorAPIURL, deps.Metrics)
	s.Catalog = NewCatalog(deps.Repos, s.Gateways, deps.Audit)
	s.Checkout = NewOrchestrator(deps.Repos, s.Gateways, s.Machine, deps.Notifier, deps.Metrics, deps.PublicBaseURL)
	s.Processor = NewProcessor(deps.Repos, s.Ledger, s.Machine, s.Reconciler, deps.Metrics)
	return s
}
