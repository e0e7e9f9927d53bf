// Package solesession is a session liveness coordinator: it guarantees each
// user has at most one authoritative active session across devices, and pushes
// invalidation events to every open tab so a kicked-out client stops acting on
// stale credentials.
package solesession

import (
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/solesession/solesession/internal"
	"github.com/solesession/solesession/pubsub"
	"github.com/solesession/solesession/state"
)

var Version = ""

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

type server struct {
	chain []func(next http.Handler) http.Handler
	final http.Handler
}

func (s *server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h := s.final
	for i := range s.chain {
		h = s.chain[len(s.chain)-1-i](h)
	}
	h.ServeHTTP(w, req)
}

func allowCORS(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept, Authorization")
		if req.Method == "OPTIONS" {
			w.WriteHeader(200)
			return
		}
		next.ServeHTTP(w, req)
	}
}

// identityContext attaches the request-context identity slot so handlers can
// record who a request was for, and the access log can print it.
func identityContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		next.ServeHTTP(w, req.WithContext(internal.RequestContext(req.Context())))
	})
}

// RunServer is the main entry point: it opens the session registry on
// postgresURI and serves the coordinator API on bindAddr. Blocks forever.
func RunServer(bindAddr, postgresURI string) {
	if debug := os.Getenv("SOLESESSION_DEBUG"); debug == "1" {
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	storage := state.NewStorage(postgresURI)
	bus := pubsub.NewPubSub(64)
	coordinator := NewCoordinator(
		state.NewRegistry(storage),
		pubsub.NewPromNotifier(bus, "coordinator"),
		bus,
		CoordinatorOpts{},
	)
	coordinator.AddPrometheusMetrics()

	r := mux.NewRouter()
	r.Handle("/session/register", allowCORS(handlerFunc(coordinator.Register))).Methods("POST", "OPTIONS")
	r.Handle("/session/heartbeat", allowCORS(handlerFunc(coordinator.Heartbeat))).Methods("POST", "OPTIONS")
	r.Handle("/session/validate", allowCORS(handlerFunc(coordinator.Validate))).Methods("POST", "OPTIONS")
	r.Handle("/session/close", allowCORS(handlerFunc(coordinator.CloseSession))).Methods("POST", "OPTIONS")
	r.Handle("/session/stream", allowCORS(handlerFunc(coordinator.Stream))).Methods("GET", "OPTIONS")
	r.Handle("/metrics", promhttp.Handler())

	srv := &server{
		chain: []func(next http.Handler) http.Handler{
			hlog.NewHandler(logger),
			hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
				if r.URL.Path == "/metrics" {
					return
				}
				userID, tabID := internal.RequestContextIdentity(r.Context())
				hlog.FromRequest(r).Info().
					Str("method", r.Method).
					Int("status", status).
					Int("size", size).
					Dur("duration", duration).
					Str("path", r.URL.Path).
					Str("user", userID).
					Str("tab", tabID).
					Msg("")
			}),
			hlog.RemoteAddrHandler("ip"),
			identityContext,
		},
		final: r,
	}

	// Block forever
	logger.Info().Msgf("listening on %s", bindAddr)
	if err := http.ListenAndServe(bindAddr, otelhttp.NewHandler(srv, "solesession")); err != nil {
		logger.Fatal().Err(err).Msg("failed to listen and serve")
	}
}
