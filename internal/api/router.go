// Package api exposes the engine over HTTP: entity registration, evidence
// ingestion, consensus queries, merge preview and execution, source control
// and fact signals.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/vehicle-consensus/internal/anomaly"
	"github.com/sells-group/vehicle-consensus/internal/catalog"
	"github.com/sells-group/vehicle-consensus/internal/consensus"
	"github.com/sells-group/vehicle-consensus/internal/dedup"
	"github.com/sells-group/vehicle-consensus/internal/evidence"
	"github.com/sells-group/vehicle-consensus/internal/factsignal"
	"github.com/sells-group/vehicle-consensus/internal/merge"
	"github.com/sells-group/vehicle-consensus/internal/orchestrator"
)

// RouterConfig carries the services behind the routes. Catalog, Detector
// and Scheduler are optional; their routes are omitted when nil.
type RouterConfig struct {
	Catalog    *catalog.Service
	Evidence   *evidence.Service
	Detector   *anomaly.Detector
	Consensus  *consensus.Resolver
	Finder     *dedup.Finder
	Thresholds dedup.Thresholds
	Merger     *merge.Executor
	Controls   *orchestrator.Controls
	Scheduler  *orchestrator.Scheduler
	Signals    *factsignal.Resolver

	CORSOrigins []string
}

type handler struct {
	cfg RouterConfig
	log *zap.Logger
}

// NewRouter builds the HTTP handler.
func NewRouter(cfg RouterConfig) http.Handler {
	h := &handler{cfg: cfg, log: zap.L().With(zap.String("component", "api"))}

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/evidence", h.recordEvidence)
		r.Post("/evidence/reject", h.rejectEvidence)
		if cfg.Detector != nil {
			r.Post("/evidence/observe", h.observe)
		}

		if cfg.Catalog != nil {
			r.Post("/entities", h.registerEntity)
		}
		r.Route("/entities/{id}", func(r chi.Router) {
			if cfg.Catalog != nil {
				r.Get("/", h.getEntity)
				r.Get("/children", h.entityChildren)
				r.Post("/listings", h.addListing)
				r.Post("/identifiers", h.addIdentifier)
				r.Post("/media", h.addMedia)
			}
			r.Get("/fields/{field}", h.getField)
			r.Post("/fields/{field}/recompute", h.recomputeField)
			r.Get("/merges", h.mergeHistory)
		})

		r.Get("/merge/plan", h.mergePlan)
		r.Post("/merge/execute", h.mergeExecute)
		r.Post("/merge", h.mergePair)

		r.Get("/sources", h.listSources)
		r.Get("/sources/health", h.sourceHealth)
		r.Get("/sources/{name}", h.getSource)
		r.Patch("/sources/{name}", h.patchSource)

		if cfg.Scheduler != nil {
			r.Post("/sources/{name}/jobs", h.enqueueJob)
			r.Delete("/jobs/{id}", h.cancelJob)
		}

		r.Post("/signals/resolve", h.resolveSignals)
	})

	return r
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
