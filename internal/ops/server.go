// Package ops exposes a small read-only HTTP endpoint with bridge
// health and the upload journal, for monitoring.
package ops

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/docdrop/ftpbridge/internal/journal"
)

// HealthChecker verifies that the ingestion service is reachable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// SessionCounter reports how many FTP sessions have been accepted
type SessionCounter interface {
	Sessions() uint64
}

// Server is the ops HTTP endpoint
type Server struct {
	http *http.Server
}

// NewServer builds the ops server. The journal may be nil when
// journaling is disabled.
func NewServer(addr string, checker HealthChecker, ftp SessionCounter, j *journal.Journal) *Server {
	return &Server{
		http: &http.Server{
			Addr:         addr,
			Handler:      newRouter(checker, ftp, j),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

func newRouter(checker HealthChecker, ftp SessionCounter, j *journal.Journal) *gin.Engine {
	if zerolog.GlobalLevel() > zerolog.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		ingestOK := true
		if err := checker.HealthCheck(ctx); err != nil {
			ingestOK = false
		}

		status := http.StatusOK
		if !ingestOK {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"service":   "ftpbridge",
			"ingestion": ingestOK,
			"sessions":  ftp.Sessions(),
			"time":      time.Now().UTC(),
		})
	})

	api := router.Group("/api/v1")
	api.GET("/uploads", func(c *gin.Context) {
		if j == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "journal disabled"})
			return
		}
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
		if err != nil || limit < 1 || limit > 1000 {
			limit = 50
		}
		recs, err := j.Recent(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"uploads": recs})
	})
	api.GET("/stats", func(c *gin.Context) {
		if j == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "journal disabled"})
			return
		}
		stats, err := j.Stats(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, stats)
	})

	return router
}

// ListenAndServe runs the endpoint until Shutdown
func (s *Server) ListenAndServe() error {
	log.Info().Str("addr", s.http.Addr).Msg("ops endpoint listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the endpoint
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
