package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ManuelReschke/BillFox/app/controllers"
	"github.com/ManuelReschke/BillFox/internal/pkg/constants"
)

// OpsRouter serves health, Prometheus metrics and the fiber monitor.
type OpsRouter struct {
	opts Options
}

func (h OpsRouter) InstallRouter(app *fiber.App) {
	app.Get(constants.HealthRoute, controllers.HandleHealth)

	gatherer := h.opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	app.Get(constants.MetricsRoute, adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	// fiber monitor, only with credentials
	if h.opts.MonitorUser != "" && h.opts.MonitorPassword != "" {
		app.Get(constants.MonitorRoute, basicauth.New(basicauth.Config{
			Users: map[string]string{
				h.opts.MonitorUser: h.opts.MonitorPassword,
			},
		}), monitor.New())
	}
}

func NewOpsRouter(opts Options) *OpsRouter {
	return &OpsRouter{opts: opts}
}
