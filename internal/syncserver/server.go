// Package syncserver is an in-memory implementation of the farmsync sync
// protocol for development and tests.
//
// Each tenant gets its own dataset. The server clock is strictly increasing,
// so every write gets a distinct modification time and a pull timestamp
// covers exactly the writes that happened before it.
package syncserver

import (
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fieldmark/farmsync/internal/remote"
)

// DefaultTenant is used when auth is disabled and no X-Tenant-ID is sent.
const DefaultTenant = "default"

// Config configures a Server.
type Config struct {
	// Secret enables HS256 bearer auth. Empty disables auth.
	Secret []byte

	// Now overrides the wall clock.
	Now func() time.Time

	// Logger receives request and push logs. Defaults to discard.
	Logger *log.Logger
}

// Server holds the tenants' datasets and serves the sync endpoints.
type Server struct {
	secret []byte
	logger *log.Logger
	wall   func() time.Time

	clockMu sync.Mutex
	last    time.Time

	mu       sync.Mutex
	tenants  map[string]*dataset
	engine   *gin.Engine
	requests int
}

// New creates a Server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	wall := cfg.Now
	if wall == nil {
		wall = time.Now
	}

	s := &Server{
		secret:  cfg.Secret,
		logger:  logger,
		wall:    wall,
		tenants: make(map[string]*dataset),
	}
	s.engine = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.LoggerWithWriter(s.logger.Writer()), gin.Recovery())

	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, remote.Response{Success: true})
	})

	protected := r.Group("/sync")
	protected.Use(s.authentication())
	{
		protected.GET("/pull", s.pullHandler)
		protected.POST("/push", s.pushHandler)
	}
	return r
}

// now returns the next server clock reading: millisecond precision, always
// later than the previous one.
func (s *Server) now() time.Time {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	t := s.wall().UTC().Truncate(time.Millisecond)
	if !t.After(s.last) {
		t = s.last.Add(time.Millisecond)
	}
	s.last = t
	return t
}

func (s *Server) dataset(tenant string) *dataset {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.tenants[tenant]
	if !ok {
		d = newDataset()
		s.tenants[tenant] = d
	}
	return d
}

// Record returns a tenant's copy of a record, tombstones included.
func (s *Server) Record(tenant, table, id string) (remote.Record, bool) {
	d := s.dataset(tenant)
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.get(table, id)
}

// Len returns the number of records a tenant holds in table.
func (s *Server) Len(tenant, table string) int {
	d := s.dataset(tenant)
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tables[table])
}

// Requests returns how many sync requests have been served.
func (s *Server) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

func (s *Server) countRequest() {
	s.mu.Lock()
	s.requests++
	s.mu.Unlock()
}
