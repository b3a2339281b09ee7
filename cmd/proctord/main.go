package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/FebrianSuban/Pengawas-Pintar/pkg/auth"
	"github.com/FebrianSuban/Pengawas-Pintar/pkg/dispatch"
	"github.com/FebrianSuban/Pengawas-Pintar/pkg/escalation"
	"github.com/FebrianSuban/Pengawas-Pintar/pkg/hardening"
	"github.com/FebrianSuban/Pengawas-Pintar/pkg/httpx"
	"github.com/FebrianSuban/Pengawas-Pintar/pkg/metrics"
	"github.com/FebrianSuban/Pengawas-Pintar/pkg/permission"
	"github.com/FebrianSuban/Pengawas-Pintar/pkg/procmon"
	"github.com/FebrianSuban/Pengawas-Pintar/pkg/protocol"
	"github.com/FebrianSuban/Pengawas-Pintar/pkg/ratelimit"
	"github.com/FebrianSuban/Pengawas-Pintar/pkg/registry"
	"github.com/FebrianSuban/Pengawas-Pintar/pkg/scoring"
	"github.com/FebrianSuban/Pengawas-Pintar/pkg/state"
	"github.com/FebrianSuban/Pengawas-Pintar/pkg/statebus"
	"github.com/FebrianSuban/Pengawas-Pintar/pkg/store"
	"github.com/FebrianSuban/Pengawas-Pintar/pkg/stream"
	"github.com/FebrianSuban/Pengawas-Pintar/pkg/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

// Server wires the session coordination engine behind one HTTP surface:
// the participant websocket, the proctor admin API and the dashboard
// stream. Configuration is read once at startup and treated as
// immutable for the session's lifetime.
type Server struct {
	Store       *state.Store
	Registry    *registry.Registry
	Scoring     *scoring.Engine
	Permissions *permission.Manager
	Dispatcher  *dispatch.Dispatcher
	Rules       []escalation.Rule
	Persister   *store.Persister
	Cache       store.Cache
	Events      *stream.Hub
	Metrics     *metrics.Registry
	Bus         statebus.Publisher
	Guard       *protocol.SequenceGuard

	AuthMode   string
	AuthSecret string

	HeartbeatInterval   time.Duration
	HeartbeatTimeout    time.Duration
	SweepInterval       time.Duration
	PermissionSweep     time.Duration
	BlockedApplications []string
	MaxRequestBodyBytes int64
	StatsCacheTTL       time.Duration

	outSeq atomic.Uint64
	now    func() time.Time
}

func (s *Server) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now().UTC()
}

// nextSeq numbers frames the socket handler sends directly (acks,
// config pushes, immediate denials). The dispatcher keeps its own
// counter; outbound sequencing is advisory either way.
func (s *Server) nextSeq() uint64 {
	return s.outSeq.Add(1)
}

type proctordDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type proctordDBCloser interface {
	proctordDB
	Close()
}

type proctordInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type proctordOpenDBFunc func(ctx context.Context) (proctordDBCloser, error)
type proctordOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type proctordListenFunc func(server *http.Server) error
type proctordStartLoopsFunc func(s *Server)

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context) (proctordDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFnG  = func(s *Server) {
		go s.heartbeatSweepLoop(context.Background())
		go s.permissionSweepLoop(context.Background())
		go s.metricsLoop(context.Background())
	}
)

func main() {
	if err := runProctord(initTelemetryG, openDBFnG, openRedisFnG, listenFnG, startLoopsFnG); err != nil {
		logFatalf("proctord: %v", err)
	}
}

func runProctord(
	initTelemetry proctordInitTelemetryFunc,
	openDB proctordOpenDBFunc,
	openRedis proctordOpenRedisFunc,
	listen proctordListenFunc,
	startLoops proctordStartLoopsFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "proctord")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	policy, err := escalation.LoadConfig(env("ESCALATION_RULES_FILE", ""))
	if err != nil {
		return fmt.Errorf("escalation rules: %w", err)
	}

	// Violations survive the session in Postgres, but the engine stays
	// authoritative in memory when no archive is reachable.
	var persister *store.Persister
	pool, err := openDB(ctx)
	if err != nil {
		log.Printf("postgres unavailable, running without violation archive: %v", err)
	} else {
		defer pool.Close()
		persister = &store.Persister{DB: pool}
		if err := persister.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("schema: %w", err)
		}
	}

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	reportWindow := envDurationSec("VIOLATION_REPORT_WINDOW_SEC", 10)
	var limiter ratelimit.Limiter
	if redisClient != nil {
		limiter = ratelimit.NewRedis(redisClient, reportWindow)
	} else {
		limiter = ratelimit.NewInMemory(reportWindow)
	}

	var bus statebus.Publisher = statebus.NopPublisher{}
	if brokers := env("KAFKA_BROKERS", ""); brokers != "" {
		publisher, err := statebus.NewKafkaPublisher(statebus.KafkaConfig{
			Brokers: splitList(brokers),
			Topic:   env("KAFKA_TOPIC", "proctor.session.events"),
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer publisher.Close()
		bus = publisher
	}

	hub := stream.NewHub()
	st := state.NewStore(state.WithHub(hub))
	reg := registry.New()
	perms := permission.NewManager(st,
		permission.WithDefaultDuration(envDurationSec("PERMISSION_DEFAULT_DURATION_SEC", 300)),
		permission.WithMaxDuration(envDurationSec("PERMISSION_MAX_DURATION_SEC", 900)),
	)
	metricsReg := metrics.NewRegistry()

	eng := scoring.NewEngine(st, nil, policy.Penalties)
	if persister != nil {
		eng.Appender = persister
	}
	eng.Limiter = limiter
	eng.ReportLimit = envInt("VIOLATION_REPORT_LIMIT", 30)

	disp := &dispatch.Dispatcher{
		Store:          st,
		Sender:         reg,
		Permissions:    perms,
		Bus:            bus,
		Metrics:        metricsReg,
		WarningPenalty: policy.Penalties.Normalized().Warning,
	}
	if persister != nil {
		disp.Audit = persister
	}

	maxRequestBodyBytes := int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxRequestBodyBytes <= 0 {
		maxRequestBodyBytes = 1 << 20
	}

	s := &Server{
		Store:               st,
		Registry:            reg,
		Scoring:             eng,
		Permissions:         perms,
		Dispatcher:          disp,
		Rules:               policy.Rules,
		Persister:           persister,
		Cache:               cache,
		Events:              hub,
		Metrics:             metricsReg,
		Bus:                 bus,
		Guard:               protocol.NewSequenceGuard(),
		AuthMode:            env("AUTH_MODE", "hs256"),
		AuthSecret:          env("AUTH_HS256_SECRET", ""),
		HeartbeatInterval:   envDurationSec("HEARTBEAT_INTERVAL_SEC", 5),
		HeartbeatTimeout:    envDurationSec("HEARTBEAT_TIMEOUT_SEC", 15),
		SweepInterval:       envDurationSec("HEARTBEAT_SWEEP_INTERVAL_SEC", 5),
		PermissionSweep:     envDurationSec("PERMISSION_SWEEP_INTERVAL_SEC", 5),
		BlockedApplications: procmon.NormalizeBlocklist(splitList(env("BLOCKED_APPLICATIONS", ""))),
		MaxRequestBodyBytes: maxRequestBodyBytes,
		StatsCacheTTL:       time.Millisecond * time.Duration(envInt("STATS_CACHE_TTL_MS", 2000)),
	}
	if strings.EqualFold(s.AuthMode, "hs256") && s.AuthSecret == "" {
		return errors.New("AUTH_HS256_SECRET required unless AUTH_MODE=off")
	}
	if err := hardening.ValidateDeployment(hardening.Options{
		Service:               "proctord",
		Environment:           env("ENVIRONMENT", ""),
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		AuthMode:              s.AuthMode,
		AuthSecret:            s.AuthSecret,
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
	}); err != nil {
		return err
	}

	if sessionID := env("SESSION_ID", ""); sessionID != "" {
		sess, err := st.StartSession(sessionID, env("SESSION_NAME", sessionID))
		if err != nil {
			return fmt.Errorf("session: %w", err)
		}
		if persister != nil {
			if err := persister.CreateSession(ctx, sess); err != nil {
				log.Printf("persist session %s: %v", sess.ID, err)
			}
		}
	}

	handler := s.router()

	if startLoops != nil {
		startLoops(s)
	}

	addr := env("ADDR", ":8090")
	log.Printf("proctord listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware("proctord"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "proctord"})
	})
	// Participant sockets are open; identity is established by the
	// first accepted frame, which must be a register message.
	r.Get("/ws", s.handleParticipantSocket)

	authRouter := chi.NewRouter()
	authRouter.Use(auth.Middleware(s.AuthMode, s.AuthSecret))
	authRouter.Get("/metrics", s.Metrics.Handler())
	authRouter.Get("/api/session", s.withRoles(s.getSession, "proctor", "admin"))
	authRouter.Post("/api/session", s.withRoles(s.startSession, "admin"))
	authRouter.Post("/api/session/status", s.withRoles(s.setSessionStatus, "proctor", "admin"))
	authRouter.Get("/api/participants", s.withRoles(s.listParticipants, "proctor", "admin"))
	authRouter.Get("/api/participants/{participant_id}", s.withRoles(s.getParticipant, "proctor", "admin"))
	authRouter.Get("/api/participants/{participant_id}/violations", s.withRoles(s.listViolations, "proctor", "admin"))
	authRouter.Post("/api/participants/{participant_id}/warn", s.withRoles(s.warnParticipant, "proctor", "admin"))
	authRouter.Post("/api/participants/{participant_id}/lock", s.withRoles(s.lockParticipant, "proctor", "admin"))
	authRouter.Post("/api/participants/{participant_id}/unlock", s.withRoles(s.unlockParticipant, "admin"))
	authRouter.Post("/api/lockdown", s.withRoles(s.emergencyLockdown, "admin"))
	authRouter.Get("/api/permissions", s.withRoles(s.listPermissions, "proctor", "admin"))
	authRouter.Post("/api/permissions/{request_id}/decision", s.withRoles(s.decidePermission, "proctor", "admin"))
	authRouter.Get("/api/stats", s.withRoles(s.getStats, "proctor", "admin"))
	authRouter.Get("/api/stream", s.withRoles(s.streamEvents, "proctor", "admin"))
	r.Mount("/", authRouter)
	return r
}

func (s *Server) withRoles(h http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			httpx.Error(w, http.StatusUnauthorized, "authentication required")
			return
		}
		if !auth.HasAnyRole(principal, roles...) {
			httpx.Error(w, http.StatusForbidden, "insufficient role")
			return
		}
		h(w, r)
	}
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
