package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"reminders/internal/gateway"
)

type RouterConfig struct {
	CORSOrigins    []string
	RequestTimeout time.Duration
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// NewRouter mounts the REST API, metrics and the display websocket. displays
// may be nil, in which case the websocket route is not mounted.
func NewRouter(cfg RouterConfig, h *ReminderHandler, displays *gateway.DisplayHub, logger *logrus.Logger) http.Handler {
	r := chi.NewRouter()

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(timeout))

		r.Route("/api/reminders", func(r chi.Router) {
			r.Post("/", h.CreateReminder)
			r.Delete("/{id}", h.CancelReminder)
			r.Get("/{id}/jobs", h.GetReminderJobs)
		})
		r.Route("/api/jobs", func(r chi.Router) {
			r.Get("/{id}", h.GetJob)
			r.Post("/{id}/retry", h.RetryJob)
		})
		r.Post("/api/sweep", h.Sweep)
		r.Get("/api/stats/{userID}", h.GetStatistics)
	})

	if displays != nil {
		r.Get("/ws/displays/{deviceID}", serveDisplay(displays, logger))
	}
	return r
}

// serveDisplay upgrades the request and hands the connection to the hub,
// which owns it until the device disconnects.
func serveDisplay(hub *gateway.DisplayHub, logger *logrus.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deviceID := chi.URLParam(r, "deviceID")
		if deviceID == "" {
			http.Error(w, "device id is required", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.WithError(err).WithField("device_id", deviceID).Warn("Display websocket upgrade failed")
			return
		}
		hub.Serve(deviceID, conn)
	}
}

func requestLogger(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			logger.WithFields(logrus.Fields{
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"bytes":      ww.BytesWritten(),
				"duration":   time.Since(start).String(),
				"request_id": middleware.GetReqID(r.Context()),
			}).Debug("HTTP request")
		})
	}
}
