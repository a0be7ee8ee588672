// Package api serves the inspection engine over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/siteqa/internal/assignment"
	"github.com/sells-group/siteqa/internal/conformance"
	"github.com/sells-group/siteqa/internal/inspection"
	"github.com/sells-group/siteqa/internal/metrics"
	"github.com/sells-group/siteqa/internal/model"
	"github.com/sells-group/siteqa/internal/store"
)

// Engine is the operation surface the HTTP layer needs.
// *inspection.Service satisfies it.
type Engine interface {
	Ping(ctx context.Context) error

	CreateLot(ctx context.Context, in inspection.NewLot) (*model.Lot, error)
	GetLot(ctx context.Context, lotID string) (*model.Lot, error)
	ListLots(ctx context.Context, filter store.LotFilter) ([]model.Lot, error)
	DeleteLot(ctx context.Context, lotID string) error

	ImportTemplates(ctx context.Context, templates []model.Template) ([]model.Template, error)
	GetTemplate(ctx context.Context, templateID string) (*model.Template, error)
	ListTemplates(ctx context.Context, organizationID string) ([]model.Template, error)

	AssignTemplates(ctx context.Context, lotID string, templateIDs []string) (*assignment.BulkResult, error)
	RemoveAssignment(ctx context.Context, lotID, ref string) error
	ListAssignments(ctx context.Context, lotID string) ([]model.Assignment, error)

	SaveConformance(ctx context.Context, lotID, itemID string, f conformance.Fields) (*model.ConformanceRecord, error)
	SaveConformanceBatch(ctx context.Context, lotID string, reqs []inspection.SaveRequest) (inspection.BatchResult, error)
	ApproveConformance(ctx context.Context, lotID, itemID, approver string) (*model.ConformanceRecord, error)
	Records(ctx context.Context, lotID string) ([]model.ConformanceRecord, error)

	GetLotInspectionState(ctx context.Context, lotID string) (*inspection.State, error)
	Summary(ctx context.Context, lotID string) (*inspection.LotSummary, error)
}

// Options configures the router.
type Options struct {
	CORSOrigins []string
	Metrics     *metrics.Metrics
}

type handler struct {
	engine Engine
}

// NewRouter builds the HTTP handler.
func NewRouter(engine Engine, opts Options) http.Handler {
	h := &handler{engine: engine}

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))
	r.Use(requestLogger(opts.Metrics))

	r.Get("/health", h.health)
	r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/lots", func(r chi.Router) {
			r.Post("/", h.createLot)
			r.Get("/", h.listLots)
			r.Route("/{lotID}", func(r chi.Router) {
				r.Get("/", h.getLot)
				r.Delete("/", h.deleteLot)
				r.Get("/summary", h.summary)
				r.Get("/inspection", h.inspectionState)

				r.Get("/assignments", h.listAssignments)
				r.Post("/assignments", h.assignTemplates)
				r.Delete("/assignments/{ref}", h.removeAssignment)

				r.Get("/conformance", h.listConformance)
				r.Post("/conformance:batch", h.saveConformanceBatch)
				r.Put("/conformance/{itemID}", h.saveConformance)
				r.Post("/conformance/{itemID}/approve", h.approveConformance)
			})
		})
		r.Route("/templates", func(r chi.Router) {
			r.Get("/", h.listTemplates)
			r.Post("/", h.importTemplates)
			r.Get("/{templateID}", h.getTemplate)
		})
	})
	return r
}

// requestLogger logs each request and counts it by route pattern.
func requestLogger(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.HTTPRequest(r.Method, route, status)
			zap.L().Debug("http request",
				zap.String("method", r.Method),
				zap.String("route", route),
				zap.Int("status", status),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
