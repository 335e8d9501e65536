package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/PratikDhanave/kanariya/internal/identity"
	"github.com/PratikDhanave/kanariya/internal/pipeline"
)

// CanaryPrefix is the path prefix of the public tripwire endpoint.
const CanaryPrefix = "/canary"

// Ingestor runs a hit through the ingestion pipeline; see pipeline.Ingestor.
type Ingestor interface {
	Ingest(ctx context.Context, h pipeline.Hit) (pipeline.Outcome, error)
}

// CanaryOptions control how request metadata is read.
type CanaryOptions struct {
	TrustRemoteAddr bool
	CountryHeader   string
	ASNHeader       string
	AllowOrigin     string
}

// RegisterCanaryRoutes registers the tripwire endpoint.
//
// GET /canary/{token}[/...]
// - Public; optionally signed (ts, sig, nonce) and tagged (src)
// - Always 204: accepted, duplicate, rejected and failed hits look the same
//
// OPTIONS /canary/{token} answers CORS preflight with 204.
func RegisterCanaryRoutes(r gin.IRoutes, in Ingestor, logger *zap.Logger, o CanaryOptions) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("canary")
	if o.AllowOrigin == "" {
		o.AllowOrigin = "*"
	}

	cors := func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", o.AllowOrigin)
		h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		h.Set("Access-Control-Max-Age", "86400")
	}

	r.OPTIONS(CanaryPrefix+"/*path", func(c *gin.Context) {
		cors(c)
		c.Status(http.StatusNoContent)
	})

	r.GET(CanaryPrefix+"/*path", func(c *gin.Context) {
		cors(c)

		token := tokenFromPath(c.Param("path"))
		hit := pipeline.Hit{
			Token:     token,
			Path:      c.Request.URL.Path,
			Query:     c.Request.URL.Query(),
			ClientIP:  identity.ClientIP(c.Request, o.TrustRemoteAddr),
			UserAgent: c.Request.UserAgent(),
			Referer:   c.Request.Referer(),
			Edge:      identity.EdgeMetadata(c.Request, o.CountryHeader, o.ASNHeader),
		}

		outcome, err := in.Ingest(c.Request.Context(), hit)
		fields := []zap.Field{
			zap.String("token", token),
			zap.String("outcome", string(outcome)),
			zap.String("request_id", RequestID(c)),
		}
		switch {
		case err != nil:
			logger.Error("canary ingestion failed", append(fields, zap.Error(err))...)
		case outcome.Stored():
			logger.Info("canary hit", fields...)
		default:
			logger.Warn("canary hit dropped", fields...)
		}

		// The answer never depends on the outcome.
		c.Status(http.StatusNoContent)
	})
}

// tokenFromPath returns the first segment of the wildcard remainder.
func tokenFromPath(rest string) string {
	rest = strings.TrimPrefix(rest, "/")
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}
