// Package httpapi exposes the CPOE platform over HTTP: CPOE issuance and
// verification, well-known discovery documents, the SCITT transparency
// log, and SSF stream CRUD, on a plain net/http ServeMux. No router
// library; handlers are grouped by concern and wired together by a
// single Server struct.
package httpapi

import (
	"log"
	"net/http"
	"time"

	"github.com/corsairtrust/cpoe-core/pkg/adapter"
	"github.com/corsairtrust/cpoe-core/pkg/anchor"
	"github.com/corsairtrust/cpoe-core/pkg/certification"
	"github.com/corsairtrust/cpoe-core/pkg/cpoe"
	"github.com/corsairtrust/cpoe-core/pkg/firestoremirror"
	"github.com/corsairtrust/cpoe-core/pkg/keymanager"
	"github.com/corsairtrust/cpoe-core/pkg/scitt"
	"github.com/corsairtrust/cpoe-core/pkg/ssfstream"
	"github.com/corsairtrust/cpoe-core/pkg/verifier"
	"github.com/corsairtrust/cpoe-core/pkg/zkassurance"
)

// Config controls Server behavior that is not itself a wired collaborator.
type Config struct {
	Domain         string
	AllowedOrigins []string
	APIKeys        []string
	BodySizeLimit  int64 // bytes; 0 uses DefaultBodySizeLimit
	PublicRateRPM  int   // requests/min per client for public routes
	AuthRateRPM    int   // requests/min per client for authenticated routes
}

// DefaultBodySizeLimit is the 10 MiB request body cap.
const DefaultBodySizeLimit = 10 << 20

// Server wires every domain collaborator into HTTP handlers. All fields
// are set once at construction and never mutated afterward, so Server
// itself needs no locking; individual collaborators guard their own state.
type Server struct {
	cfg Config

	keys       *keymanager.Manager
	verifier   *verifier.Verifier
	assembler  *cpoe.Assembler
	registry   *scitt.Registry
	certEngine *certification.Engine
	streams    *ssfstream.Manager
	adapters   *adapter.Registry
	anchors    *anchor.Scheduler
	mirror     *firestoremirror.Mirror
	zkprover   *zkassurance.Prover

	logger  *log.Logger
	metrics *Metrics
	limiter *rateLimiter
}

// Deps bundles every collaborator Server needs. Anchors, mirror, and
// zkprover are optional (nil-safe) since their config gates are off by
// default.
type Deps struct {
	Keys       *keymanager.Manager
	Verifier   *verifier.Verifier
	Assembler  *cpoe.Assembler
	Registry   *scitt.Registry
	CertEngine *certification.Engine
	Streams    *ssfstream.Manager
	Adapters   *adapter.Registry
	Anchors    *anchor.Scheduler
	Mirror     *firestoremirror.Mirror
	ZKProver   *zkassurance.Prover
	Logger     *log.Logger
}

// NewServer builds a Server from cfg and deps.
func NewServer(cfg Config, deps Deps) *Server {
	if cfg.BodySizeLimit <= 0 {
		cfg.BodySizeLimit = DefaultBodySizeLimit
	}
	if cfg.PublicRateRPM <= 0 {
		cfg.PublicRateRPM = 100
	}
	if cfg.AuthRateRPM <= 0 {
		cfg.AuthRateRPM = 30
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[httpapi] ", log.LstdFlags)
	}

	return &Server{
		cfg:        cfg,
		keys:       deps.Keys,
		verifier:   deps.Verifier,
		assembler:  deps.Assembler,
		registry:   deps.Registry,
		certEngine: deps.CertEngine,
		streams:    deps.Streams,
		adapters:   deps.Adapters,
		anchors:    deps.Anchors,
		mirror:     deps.Mirror,
		zkprover:   deps.ZKProver,
		logger:     logger,
		metrics:    NewMetrics(),
		limiter:    newRateLimiter(),
	}
}

// Routes builds the ServeMux carrying every handler, each wrapped with
// the middleware its route class requires.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("/health", s.public(s.handleHealth, 0))
	mux.Handle("/.well-known/did.json", s.public(s.handleDIDDocument, s.cfg.PublicRateRPM))
	mux.Handle("/.well-known/jwks.json", s.public(s.handleJWKS, s.cfg.PublicRateRPM))
	mux.Handle("/.well-known/ssf-configuration", s.public(s.handleSSFConfiguration, s.cfg.PublicRateRPM))
	mux.Handle("/verify", s.public(s.handleVerify, s.cfg.PublicRateRPM))
	mux.Handle("/metrics", s.public(s.handleMetrics, 0))

	mux.Handle("/issue", s.authenticated(s.handleIssue, s.cfg.AuthRateRPM))
	mux.Handle("/freshness", s.authenticated(s.handleFreshness, s.cfg.AuthRateRPM))
	mux.Handle("/scitt/entries", s.authenticated(s.handleSCITTEntriesCollection, s.cfg.AuthRateRPM))
	mux.Handle("/scitt/entries/", s.authenticated(s.handleSCITTEntryItem, s.cfg.AuthRateRPM))
	mux.Handle("/ssf/streams", s.authenticated(s.handleSSFStreamsCollection, s.cfg.AuthRateRPM))
	mux.Handle("/ssf/streams/", s.authenticated(s.handleSSFStreamItem, s.cfg.AuthRateRPM))

	return mux
}

// public wraps a handler with CORS, body-size-cap, logging, and (if
// rpm > 0) rate limiting, but no bearer-token check.
func (s *Server) public(h http.HandlerFunc, rpm int) http.Handler {
	handler := http.Handler(h)
	if rpm > 0 {
		handler = s.rateLimit(rpm, handler)
	}
	handler = s.bodyLimit(handler)
	handler = s.cors(handler)
	handler = s.logRequests(handler)
	return handler
}

// authenticated wraps a handler with the same middleware stack as public,
// plus a bearer-token check against the configured API keys.
func (s *Server) authenticated(h http.HandlerFunc, rpm int) http.Handler {
	return s.public(s.requireAPIKey(h), rpm)
}

const writeTimeout = 15 * time.Second
const readTimeout = 10 * time.Second

// NewHTTPServer builds an *http.Server bound to addr, serving s.Routes(),
// with the timeouts the concurrency model requires.
func (s *Server) NewHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      s.Routes(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}
}
