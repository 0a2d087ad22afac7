package router

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/template/html/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ManuelReschke/BillFox/views"
)

// Router registers a group of routes on the app.
type Router interface {
	InstallRouter(app *fiber.App)
}

// Options configure the HTTP surface.
type Options struct {
	APIToken     string
	RateLimitMax int
	// LimiterStorage shares rate limit counters between nodes; nil keeps them in memory.
	LimiterStorage  fiber.Storage
	Gatherer        prometheus.Gatherer
	MonitorUser     string
	MonitorPassword string
	// Quiet disables the request logger, used by tests.
	Quiet bool
}

// NewApp creates the fiber app with views, recovery, logging and all routes.
// The billing controller must be initialized first.
func NewApp(opts Options) *fiber.App {
	app := fiber.New(fiber.Config{
		Views:     html.NewFileSystem(http.FS(views.Files), ".html"),
		BodyLimit: 1 << 20, // webhook payloads are small
	})

	// recovery and logging
	app.Use(recover.New())
	if !opts.Quiet {
		app.Use(logger.New())
	}

	InstallRouter(app, opts)
	return app
}

func InstallRouter(app *fiber.App, opts Options) {
	setup(app, NewOpsRouter(opts), NewHttpRouter(), NewApiRouter(opts))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
