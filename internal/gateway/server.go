package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/swarmauri/peagen/internal/caf"
	"github.com/swarmauri/peagen/internal/logger"
	"github.com/swarmauri/peagen/internal/rpc"
)

// maxObjectSize bounds a single PUT /objects body.
const maxObjectSize = 512 << 20

// Server exposes the gateway over HTTP: JSON-RPC on /rpc, the content store
// on /objects/:oid and a health check.
type Server struct {
	service    *Service
	registry   *rpc.Registry
	dispatcher *Dispatcher
	addr       string
	log        zerolog.Logger
	engine     *gin.Engine
	server     *http.Server
}

// NewServer creates a new HTTP server. dispatcher may be nil.
func NewServer(service *Service, dispatcher *Dispatcher, addr string, log zerolog.Logger) *Server {
	s := &Server{
		service:    service,
		registry:   NewRegistry(service),
		dispatcher: dispatcher,
		addr:       addr,
		log:        log,
	}
	s.engine = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), logger.GinMiddleware(s.log))

	r.POST("/rpc", s.handleRPC)
	r.GET("/objects/:oid", s.handleGetObject)
	r.HEAD("/objects/:oid", s.handleHeadObject)
	r.PUT("/objects/:oid", s.handlePutObject)
	r.GET("/health", s.handleHealth)
	return r
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      5 * time.Minute,
	}
	s.log.Info().Str("addr", s.addr).Msg("gateway listening")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// --- RPC ---

func (s *Server) handleRPC(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.String(http.StatusBadRequest, "read body: %v", err)
		return
	}
	reply, err := s.registry.Serve(c.Request.Context(), body)
	if err != nil {
		s.log.Error().Err(err).Msg("encode rpc reply")
		c.Status(http.StatusInternalServerError)
		return
	}
	if reply == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.Data(http.StatusOK, "application/json", reply)
}

// --- Objects ---

func (s *Server) objectID(c *gin.Context) (string, bool) {
	oid := c.Param("oid")
	if !caf.ValidOID(oid) {
		c.String(http.StatusBadRequest, "invalid object id")
		return "", false
	}
	return oid, true
}

func (s *Server) handleGetObject(c *gin.Context) {
	oid, ok := s.objectID(c)
	if !ok {
		return
	}
	b, err := s.service.caf.Smudge(c.Request.Context(), oid)
	switch {
	case errors.Is(err, caf.ErrObjectNotFound):
		c.String(http.StatusNotFound, "object not found")
	case err != nil:
		c.String(http.StatusInternalServerError, err.Error())
	default:
		c.Data(http.StatusOK, "application/octet-stream", b)
	}
}

func (s *Server) handleHeadObject(c *gin.Context) {
	oid, ok := s.objectID(c)
	if !ok {
		return
	}
	exists, err := s.service.caf.Exists(c.Request.Context(), oid)
	switch {
	case err != nil:
		c.Status(http.StatusInternalServerError)
	case !exists:
		c.Status(http.StatusNotFound)
	default:
		c.Status(http.StatusOK)
	}
}

func (s *Server) handlePutObject(c *gin.Context) {
	oid, ok := s.objectID(c)
	if !ok {
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxObjectSize))
	if err != nil {
		c.String(http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	if caf.OID(body) != oid {
		c.String(http.StatusBadRequest, "body does not hash to "+oid)
		return
	}
	if _, err := s.service.caf.Clean(c.Request.Context(), body); err != nil {
		c.String(http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusCreated, gin.H{"oid": oid})
}

// --- Health ---

// HealthResponse is the /health payload.
type HealthResponse struct {
	OK         bool             `json:"ok"`
	DB         string           `json:"db"`
	Version    string           `json:"version"`
	Time       string           `json:"time"`
	Dispatcher *DispatcherStats `json:"dispatcher,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	resp := HealthResponse{
		OK:      true,
		DB:      "ok",
		Version: Version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	}
	if s.dispatcher != nil {
		stats := s.dispatcher.Stats()
		resp.Dispatcher = &stats
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := s.service.store.Ping(ctx); err != nil {
		resp.OK = false
		resp.DB = err.Error()
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}
