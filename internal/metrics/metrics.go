package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"officemafia/internal/game"
	"officemafia/internal/lifecycle"
	"officemafia/internal/store"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	sessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mafia_sessions_created_total",
		Help: "Sessions opened by a host",
	})

	playersJoined = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mafia_players_joined_total",
		Help: "Players admitted into a lobby",
	})

	sessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mafia_sessions_started_total",
		Help: "Sessions that left the lobby",
	})

	eliminations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mafia_eliminations_total",
		Help: "Players eliminated",
	})

	sessionsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mafia_sessions_completed_total",
			Help: "Sessions completed, by winning side",
		},
		[]string{"winner"},
	)

	roleAssignmentRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mafia_role_assignment_retries_total",
		Help: "Retry rounds needed to persist role assignments",
	})

	staleSessionsAbandoned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mafia_stale_sessions_abandoned_total",
		Help: "Lobbies abandoned by the cleanup sweep",
	})

	sessionsPurged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mafia_sessions_purged_total",
		Help: "Finished sessions deleted by the cleanup sweep",
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request count, latency and in-flight requests. The
// endpoint label is the matched ServeMux pattern, never the raw path.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		httpRequestsInFlight.Inc()
		defer httpRequestsInFlight.Dec()

		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		endpoint := r.Pattern
		if endpoint == "" {
			endpoint = "unknown"
		}
		httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rw.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := w.ResponseWriter.(http.Hijacker); ok {
		w.status = http.StatusSwitchingProtocols
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacking not supported")
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Lifecycle counts lifecycle milestones.
type Lifecycle struct{}

var _ lifecycle.Observer = Lifecycle{}

func (Lifecycle) SessionCreated()        { sessionsCreated.Inc() }
func (Lifecycle) PlayerJoined()          { playersJoined.Inc() }
func (Lifecycle) SessionStarted()        { sessionsStarted.Inc() }
func (Lifecycle) RoleAssignmentRetried() { roleAssignmentRetries.Inc() }
func (Lifecycle) PlayerEliminated()      { eliminations.Inc() }

func (Lifecycle) SessionCompleted(w game.Winner) {
	label := string(w)
	if label == "" {
		label = "none"
	}
	sessionsCompleted.WithLabelValues(label).Inc()
}

// RecordSweep counts the outcome of a cleanup pass.
func RecordSweep(s store.CleanupSummary) {
	staleSessionsAbandoned.Add(float64(s.Abandoned))
	sessionsPurged.Add(float64(s.Deleted))
}
