// Package httpapi is the Fiber-based HTTP service exposing search, ingest,
// and index-management operations, per spec.md §4.6.
//
// Server shape and route registration grounded on
// papercomputeco-tapes/api/api.go's Server struct and NewServer
// constructor (fiber.New with DisableStartupMessage, one app.Method call
// per route, Run/Shutdown pair). Query-param parsing and the
// {error: "..."} JSON contract are grounded on
// papercomputeco-tapes/api/search_handler.go, generalized here into a
// typed error envelope keyed on imsearch.Kind so every handler maps
// errors the same way instead of hand-rolling a status code per route.
package httpapi

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/imsearch/imsearch/internal/catalog"
	"github.com/imsearch/imsearch/internal/config"
	"github.com/imsearch/imsearch/internal/descriptor"
	"github.com/imsearch/imsearch/internal/hashing"
	"github.com/imsearch/imsearch/internal/ingest"
	"github.com/imsearch/imsearch/internal/logging"
	"github.com/imsearch/imsearch/internal/metrics"
	"github.com/imsearch/imsearch/internal/search"
	"github.com/imsearch/imsearch/internal/worker"
)

// Server is the imsearch HTTP API.
type Server struct {
	cfg       *config.Config
	catalog   *catalog.Catalog
	engine    *search.Engine
	extractor descriptor.Extractor
	hasher    hashing.Hasher
	pipeline  *ingest.Pipeline
	pool      *worker.Pool
	metrics   *metrics.Metrics
	log       *logging.Logger
	app       *fiber.App

	// indexDir is where a prior `imsearch train`/`build` wrote
	// quantizer.bin, and where this server's own /build calls persist
	// their segment, merged index, and manifest.
	indexDir string

	buildMu         sync.Mutex
	buildInProgress atomic.Bool
}

// New builds a Server wired to the given components. All dependencies are
// constructed by the caller (cmd/imsearch/server) so tests can substitute
// fakes without pulling in the CLI layer. indexDir is the resolved
// directory holding quantizer.bin and the build's index/manifest files
// (cmd/imsearch/cmdutil.Bootstrap.ResolvePath(cfg.Index.Dir) in practice).
func New(cfg *config.Config, cat *catalog.Catalog, engine *search.Engine, extractor descriptor.Extractor, hasher hashing.Hasher, pool *worker.Pool, m *metrics.Metrics, log *logging.Logger, indexDir string) *Server {
	if log == nil {
		log = logging.Noop()
	}
	s := &Server{
		cfg:       cfg,
		catalog:   cat,
		engine:    engine,
		extractor: extractor,
		hasher:    hasher,
		pool:      pool,
		metrics:   m,
		log:       log,
		indexDir:  indexDir,
	}
	s.pipeline = ingest.New(nil, cat, extractor, hasher, pool, log).
		WithMetrics(m).
		WithMinKeypoints(cfg.Extraction.MinKeypoints)

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		BodyLimit:             32 * 1024 * 1024,
	})
	app.Use(s.authMiddleware)

	app.Get("/docs", s.handleDocs)
	app.Get("/stats", s.handleStats)
	app.Post("/reset_stats", s.handleResetStats)
	app.Post("/search", s.handleSearch)
	app.Post("/add", s.handleAdd)
	app.Post("/build", s.handleBuild)
	app.Post("/reload", s.handleReload)

	if m != nil {
		handler := adaptFiberFromHTTP(promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
		app.Get("/metrics", handler)
	}

	s.app = app
	return s
}

// Listen starts the HTTP server on cfg.Server.Listen.
func (s *Server) Listen() error {
	return s.app.Listen(s.cfg.Server.Listen)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// adaptFiberFromHTTP bridges a net/http.Handler (promhttp's exposition
// handler) onto fasthttp, the transport fiber is built on, via the
// fasthttpadaptor bridge fiber itself depends on.
func adaptFiberFromHTTP(h http.Handler) fiber.Handler {
	fh := fasthttpadaptor.NewFastHTTPHandler(h)
	return func(c *fiber.Ctx) error {
		fh(c.Context())
		return nil
	}
}
