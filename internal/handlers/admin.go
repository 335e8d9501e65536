package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/PratikDhanave/kanariya/internal/auth"
	"github.com/PratikDhanave/kanariya/internal/models"
	"github.com/PratikDhanave/kanariya/internal/pipeline"
	"github.com/PratikDhanave/kanariya/internal/signing"
)

// EventLister reads stored hits; see store.EventStore.
type EventLister interface {
	List(ctx context.Context, token string, maxItems int) ([]models.HitEvent, error)
}

// AdminOptions configure the operator endpoints.
type AdminOptions struct {
	AdminKey          string
	AllowPublicSign   bool
	AllowPublicExport bool
	// SignMaster is the secret per-token signing keys are derived from.
	SignMaster string
	// PublicBaseURL is the externally visible origin; the request's own
	// scheme and host are used when empty.
	PublicBaseURL  string
	ExportMaxItems int
	Now            func() time.Time
}

// RegisterAdminRoutes registers the operator endpoints.
//
// GET /admin/sign?token=...&src=...&nonce=...
// - Bearer ADMIN_KEY unless public signing is enabled
// - Returns a pre-signed canary URL for token
//
// GET /admin/export?token=...
// - Bearer ADMIN_KEY unless public export is enabled
// - Returns stored hits for token, oldest first
func RegisterAdminRoutes(r gin.IRoutes, events EventLister, logger *zap.Logger, o AdminOptions) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("admin")
	if o.Now == nil {
		o.Now = time.Now
	}

	r.GET("/admin/sign", auth.AdminKeyMiddleware(o.AdminKey, o.AllowPublicSign), func(c *gin.Context) {
		token := strings.TrimSpace(c.Query("token"))
		if token == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "token required"})
			return
		}

		base, err := canaryBase(c.Request, o.PublicBaseURL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "invalid base url"})
			return
		}

		nonce := c.Query("nonce")
		if nonce == "" {
			nonce = uuid.NewString()
		}
		ts := o.Now().Unix()
		src := pipeline.Truncate(c.Query("src"), models.MaxSourceBytes)

		key := ""
		if o.SignMaster != "" {
			key = signing.DeriveKey(o.SignMaster, token)
		}
		u, err := signing.SignURL(base, token, signing.Params{Timestamp: ts, Source: src, Nonce: nonce}, key)
		if errors.Is(err, signing.ErrNotConfigured) {
			logger.Error("sign requested but no signing secret configured")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "signing not configured"})
			return
		}
		if err != nil {
			logger.Error("sign failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "sign failed"})
			return
		}

		c.JSON(http.StatusOK, models.SignResponse{
			URL:   u.String(),
			Token: token,
			TS:    ts,
			Nonce: nonce,
		})
	})

	r.GET("/admin/export", auth.AdminKeyMiddleware(o.AdminKey, o.AllowPublicExport), func(c *gin.Context) {
		token := strings.TrimSpace(c.Query("token"))
		if token == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "token required"})
			return
		}

		evs, err := events.List(c.Request.Context(), token, o.ExportMaxItems)
		if err != nil {
			logger.Error("export failed", zap.String("token", token), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "store query failed"})
			return
		}
		c.JSON(http.StatusOK, evs)
	})
}

// canaryBase returns the URL new canary paths are appended to.
func canaryBase(r *http.Request, public string) (*url.URL, error) {
	if public != "" {
		u, err := url.Parse(strings.TrimRight(public, "/"))
		if err != nil {
			return nil, err
		}
		if !strings.HasSuffix(u.Path, CanaryPrefix) {
			u.Path += CanaryPrefix
		}
		return u, nil
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p == "http" || p == "https" {
		scheme = p
	}
	return &url.URL{Scheme: scheme, Host: r.Host, Path: CanaryPrefix}, nil
}
