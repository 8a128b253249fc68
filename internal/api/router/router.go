package router

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/clinic-queue-platform/internal/clinic"
	"github.com/wolfman30/clinic-queue-platform/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/clinic-queue-platform/internal/http/middleware"
	"github.com/wolfman30/clinic-queue-platform/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger         *logging.Logger
	Lifecycle      *handlers.LifecycleHandler
	ClinicHandler  *clinic.Handler
	MetricsHandler http.Handler

	// StaffAuthSecret signs staff JWTs. Empty leaves staff routes open, which
	// is only meant for local development.
	StaffAuthSecret string

	// Per-IP budget for token verification.
	VerifyRatePerSecond float64
	VerifyBurst         int
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	r.Get("/health", health)
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	lc := cfg.Lifecycle
	if lc != nil {
		// Patient-facing routes
		r.Route("/appointments", func(appt chi.Router) {
			appt.Post("/", lc.Book)
			appt.Route("/{id}", func(one chi.Router) {
				one.Get("/", lc.GetAppointment)
				one.Post("/cancel", lc.CancelByPatient)
				one.Get("/live", lc.LiveStatus)
				one.Get("/meet-link", lc.MeetLink)
				one.Get("/refund/preview", lc.PreviewRefund)
			})
		})
		r.Get("/refunds/policy", lc.RefundPolicy)

		// Front desk and doctor routes
		r.Route("/staff", func(staff chi.Router) {
			if cfg.StaffAuthSecret != "" {
				staff.Use(httpmiddleware.StaffJWT(cfg.StaffAuthSecret))
			}
			verify := staff.With()
			if cfg.VerifyRatePerSecond > 0 {
				burst := cfg.VerifyBurst
				if burst <= 0 {
					burst = 1
				}
				verify = staff.With(httpmiddleware.RateLimit(cfg.VerifyRatePerSecond, burst))
			}
			verify.Post("/tokens/verify", lc.VerifyToken)

			staff.Get("/doctors/{doctorID}/queue", lc.DoctorQueue)
			staff.Get("/doctors/{doctorID}/wait-stats", lc.WaitStats)
			staff.Route("/appointments/{id}", func(one chi.Router) {
				one.Post("/confirm", lc.Confirm)
				one.Post("/cancel", lc.CancelByStaff)
				one.Post("/token", lc.IssueToken)
				one.Post("/queue", lc.Enqueue)
				one.Post("/queue/complete", lc.MarkQueueCompleted)
				one.Post("/queue/no-show", lc.MarkNoShow)
				one.Post("/consultation/start", lc.StartConsultation)
				one.Post("/consultation/complete", lc.CompleteConsultation)
				one.Post("/refund", lc.ProcessRefund)
				one.Post("/meet-link/schedule", lc.ScheduleMeetLink)
				one.Delete("/meet-link/schedule", lc.CancelMeetLink)
				one.Post("/meet-link/fire", lc.FireMeetLink)
			})
		})
	}

	// Admin routes (doctor and patient profiles)
	if cfg.ClinicHandler != nil {
		r.Route("/admin", func(admin chi.Router) {
			if cfg.StaffAuthSecret != "" {
				admin.Use(httpmiddleware.StaffJWT(cfg.StaffAuthSecret, httpmiddleware.RoleAdmin))
			}
			admin.Mount("/", cfg.ClinicHandler.Routes())
		})
	}

	return r
}

func health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
