package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/repotrial/nedrexapi-v2d/internal/api/handler"
	mw "github.com/repotrial/nedrexapi-v2d/internal/api/middleware"
	"github.com/repotrial/nedrexapi-v2d/internal/api/response"
	"github.com/repotrial/nedrexapi-v2d/internal/jobtype"
	"github.com/repotrial/nedrexapi-v2d/pkg/models"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	Jobs  handler.Jobs
	Keys  handler.Keys
	Types *jobtype.Registry

	DB    handler.Pinger
	Redis handler.Pinger
	// Metrics is served on /metrics when set.
	Metrics prometheus.Gatherer

	DataDir        string
	UploadMaxBytes int64
	WaitTimeout    time.Duration
	CORSOrigins    []string
}

// NewRouter builds the Chi router with middleware stack and all routes.
//
// Every job type gets POST /{type}/submit. Status and download live under the
// type's route family, so the three validation kinds share
// /validation/status.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)
	if len(deps.CORSOrigins) > 0 {
		r.Use(mw.CORS(deps.CORSOrigins))
	}

	r.Get("/health", orNotImplemented(healthHandler(deps)))
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Metrics, promhttp.HandlerOpts{}))
	}

	// Key management authenticates with the key it is handed.
	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimit.Limit)

		r.Post("/admin/api_key/generate", handler.NewGenerateKeyHandler(deps.Keys))
		r.Get("/admin/api_key/verify", handler.NewVerifyKeyHandler(deps.Keys))
		r.Post("/admin/api_key/revoke", handler.NewRevokeKeyHandler(deps.Keys))
	})

	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		mountJobTypes(r, deps)

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeAdmin))

			r.Post("/admin/resubmit/{jobType}/{uid}", handler.NewResubmitHandler(deps.Jobs, deps.WaitTimeout))
		})
	})

	return r
}

func mountJobTypes(r chi.Router, deps Dependencies) {
	families := map[string]bool{}
	for _, name := range deps.Types.Names() {
		def, _ := deps.Types.Lookup(name)
		family := def.RouteFamily()

		switch name {
		case "bicon":
			r.Post("/bicon/submit", handler.NewBiconSubmitHandler(deps.Jobs, deps.DataDir, deps.UploadMaxBytes))
			r.Get("/bicon/clustermap", handler.NewClustermapHandler(deps.Jobs, deps.DataDir))
		default:
			r.Post("/"+name+"/submit", handler.NewSubmitHandler(deps.Jobs, name))
		}
		// validation-joint is also reachable as POST /validation/joint
		if family != name {
			r.Post("/"+family+"/"+strings.TrimPrefix(name, family+"-"), handler.NewSubmitHandler(deps.Jobs, name))
		}

		if def.Artifact != nil {
			download := handler.NewDownloadHandler(deps.Jobs, def, deps.DataDir)
			r.Get("/"+family+"/download", download)
			if name == "robust" {
				r.Get("/robust/results", download)
			}
		}
		if !families[family] {
			families[family] = true
			r.Get("/"+family+"/status", handler.NewStatusHandler(deps.Jobs, family))
		}
	}
}

func healthHandler(deps Dependencies) http.HandlerFunc {
	if deps.DB == nil || deps.Redis == nil {
		return nil
	}
	return handler.NewHealthHandler(deps.DB, deps.Redis)
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
