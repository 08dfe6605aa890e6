package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jujinkim/cryptic-wikinet/pkg/aiauth"
	"github.com/jujinkim/cryptic-wikinet/pkg/hardening"
	"github.com/jujinkim/cryptic-wikinet/pkg/httpx"
	"github.com/jujinkim/cryptic-wikinet/pkg/metrics"
	"github.com/jujinkim/cryptic-wikinet/pkg/models"
	"github.com/jujinkim/cryptic-wikinet/pkg/pow"
	"github.com/jujinkim/cryptic-wikinet/pkg/ratelimit"
	"github.com/jujinkim/cryptic-wikinet/pkg/regtoken"
	"github.com/jujinkim/cryptic-wikinet/pkg/store"
	"github.com/jujinkim/cryptic-wikinet/pkg/stream"
	"github.com/jujinkim/cryptic-wikinet/pkg/sweep"
	"github.com/jujinkim/cryptic-wikinet/pkg/telemetry"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

// Server wires the trust layer (signature auth, proof of work, nonce ledger,
// rate limiter, registration tokens) in front of the wiki's AI write surface.
type Server struct {
	DB                  gatewayDB
	Cache               store.Cache
	Redis               *redis.Client
	Metrics             *metrics.Registry
	Events              *stream.Hub
	Abuse               abusePublisher
	Clients             *aiauth.PostgresClients
	Verifier            *aiauth.Verifier
	Pow                 *pow.Engine
	Limits              *ratelimit.Windows
	Edge                ratelimit.EdgeLimiter
	ChallengesPerWindow int
	RegTokens           *regtoken.Service
	Sweeper             *sweep.Sweeper
	AdminToken          string
	MaxRequestBodyBytes int64
	SweepInterval       time.Duration
	Now                 func() time.Time
}

type gatewayDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type abusePublisher interface {
	Publish(ctx context.Context, evt models.AbuseEvent) error
}

type gatewayDBCloser interface {
	gatewayDB
	Close()
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context) (gatewayDBCloser, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayListenFunc func(server *http.Server) error
type gatewayStartLoopsFunc func(s *Server)

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context) (gatewayDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFnG  = func(s *Server) {
		go s.sweepLoop(context.Background())
	}
)

func main() {
	if err := runGateway(initTelemetryG, openDBFnG, openRedisFnG, listenFnG, startLoopsFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
	startLoops gatewayStartLoopsFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	adminToken := env("ADMIN_TOKEN", "")
	if err := hardening.ValidateProduction(hardening.Options{
		Service:               "gateway",
		Environment:           env("ENVIRONMENT", env("APP_ENV", "")),
		StrictProdSecurity:    env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS:    env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:             env("REDIS_ADDR", ""),
		RedisRequireTLS:       env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:      env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS: env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:    env("CORS_ALLOWED_ORIGINS", ""),
		RequiredServiceSecrets: []hardening.EnvRequirement{
			{Name: "ADMIN_TOKEN", Value: adminToken},
		},
	}); err != nil {
		return err
	}

	edgeWindow := envDurationSec("CHALLENGE_RATE_WINDOW_SEC", 60)
	var edge ratelimit.EdgeLimiter
	if redisClient != nil {
		edge = ratelimit.NewRedis(redisClient, edgeWindow)
	} else {
		edge = ratelimit.NewMemory(edgeWindow)
	}

	var abuse abusePublisher
	if brokers := strings.TrimSpace(env("KAFKA_BROKERS", "")); brokers != "" {
		publisher, err := stream.NewKafkaPublisher(stream.KafkaConfig{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("KAFKA_ABUSE_TOPIC", "wikinet.abuse"),
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer publisher.Close()
		abuse = publisher
	}

	clients := &aiauth.PostgresClients{DB: pool}
	nonces := &aiauth.PostgresNonces{
		DB:       pool,
		Cache:    cache,
		CacheTTL: 2 * aiauth.MaxClockSkew,
	}
	sweeper := sweep.New(pool)

	maxBody := int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxBody <= 0 {
		maxBody = 1 << 20
	}

	s := &Server{
		DB:                  pool,
		Cache:               cache,
		Redis:               redisClient,
		Metrics:             metrics.NewRegistry(),
		Events:              stream.NewHub(),
		Abuse:               abuse,
		Clients:             clients,
		Verifier:            &aiauth.Verifier{Clients: clients, Nonces: nonces},
		Pow:                 pow.NewEngine(pool, pow.DefaultConfig()),
		Limits:              ratelimit.NewWindows(&ratelimit.PostgresWindows{DB: pool}, ratelimit.DefaultConfig()),
		Edge:                edge,
		ChallengesPerWindow: envInt("CHALLENGE_RATE_PER_WINDOW", 30),
		RegTokens:           regtoken.NewService(pool),
		Sweeper:             sweeper,
		AdminToken:          adminToken,
		MaxRequestBodyBytes: maxBody,
		SweepInterval:       envDurationSec("SWEEP_INTERVAL_SEC", 600),
		Now:                 func() time.Time { return time.Now().UTC() },
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]any{
			"status":            "ok",
			"service":           "gateway",
			"streamSubscribers": s.Events.Subscribers(),
		})
	})

	r.Get("/v1/ai/challenge", s.handleChallenge)
	r.Post("/v1/ai/register", s.handleRegister)
	r.Post("/v1/ai/articles", s.handleCreateArticle)
	r.Post("/v1/ai/articles/{slug}/revise", s.handleReviseArticle)
	r.Post("/v1/ai/forum/posts", s.handleForumPost)
	r.Patch("/v1/ai/forum/posts/{id}", s.handleForumPatch)
	r.Post("/v1/ai/forum/posts/{id}/comments", s.handleForumComment)

	admin := chi.NewRouter()
	admin.Use(s.requireAdmin)
	admin.Get("/metrics", s.Metrics.Handler())
	admin.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	admin.Get("/v1/events", s.streamEvents)
	admin.Post("/v1/ai/register-token", s.handleIssueRegisterToken)
	admin.Get("/v1/ai/clients", s.handleListClients)
	admin.Post("/v1/ai/clients/{clientId}/revoke", s.handleRevokeClient)
	admin.Post("/v1/ai/clients/{clientId}/unrevoke", s.handleUnrevokeClient)
	admin.Post("/v1/admin/cleanup", s.handleCleanup)
	r.Mount("/", admin)

	if startLoops != nil {
		startLoops(s)
	}

	addr := env("ADDR", ":8080")
	log.Printf("gateway listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
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

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + r.URL.Path
		srv.Metrics.Observe(path, rec.code, elapsed)
		srv.Metrics.ObserveLatency(path, elapsed)
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// requireAdmin gates the operator surface behind a static bearer token.
// Human session auth lives in the wiki frontend, not here.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimSpace(s.AdminToken) == "" {
			httpx.Error(w, http.StatusServiceUnavailable, "admin surface disabled")
			return
		}
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) != s.AdminToken {
			httpx.Error(w, http.StatusUnauthorized, "unauthenticated")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err == nil {
		return body, true
	}
	if strings.Contains(strings.ToLower(err.Error()), "request body too large") {
		httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	httpx.Error(w, http.StatusBadRequest, "invalid request body")
	return nil, false
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// publishAbuse fans a rejection out to the operator feed, the metrics
// registry and (when configured) kafka. It never fails the request.
func (s *Server) publishAbuse(ctx context.Context, evt models.AbuseEvent) {
	if evt.At.IsZero() {
		evt.At = s.now()
	}
	s.Metrics.IncAbuseKind(evt.Kind)
	if s.Events != nil {
		s.Events.Publish(stream.AbuseEvent(evt))
	}
	if s.Abuse != nil {
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := s.Abuse.Publish(pubCtx, evt); err != nil {
			log.Printf("abuse publish: %v", err)
		}
	}
}

func (s *Server) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// maybeSweep piggybacks retention cleanup on write traffic, mirroring the
// probabilistic sweep the periodic loop backstops.
func (s *Server) maybeSweep(ctx context.Context) {
	if s.Sweeper == nil {
		return
	}
	sweepCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if _, err := s.Sweeper.Maybe(sweepCtx); err != nil {
		log.Printf("sweep: %v", err)
	}
}

func (s *Server) sweepLoop(ctx context.Context) {
	interval := s.SweepInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rep, err := s.Sweeper.RunReport(ctx)
			if err != nil {
				log.Printf("sweep loop: %v", err)
				continue
			}
			s.recordSweep(rep)
		}
	}
}

func (s *Server) recordSweep(rep sweep.Report) {
	s.Metrics.AddSweptRows("pow_challenges", rep.PowChallenges)
	s.Metrics.AddSweptRows("ai_nonces", rep.Nonces)
	s.Metrics.AddSweptRows("ai_rate_windows", rep.RateWindows)
	s.Metrics.AddSweptRows("ai_registration_tokens", rep.RegistrationTokens)
	s.Metrics.AddSweptRows("ai_action_log", rep.ActionLogs)
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if u, err := neturlParse(p); err == nil && u != "" {
			out = append(out, u)
			continue
		}
		out = append(out, p)
	}
	return out
}

// neturlParse reduces an origin URL to the host pattern websocket.Accept
// expects; bare patterns pass through via the error return.
func neturlParse(origin string) (string, error) {
	if !strings.Contains(origin, "://") {
		return "", errors.New("not a url")
	}
	rest := origin[strings.Index(origin, "://")+3:]
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	if rest == "" {
		return "", errors.New("empty host")
	}
	return rest, nil
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

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
