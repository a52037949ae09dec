// Package entries implements the vault entry endpoints under /api/v1/vault.
//
// Every handler reads the tenant context resolved by middleware.TenantMiddleware and passes it
// to the vault service, which performs the per-operation scope check and writes the audit
// record. Handlers never see ciphertext; reveal is the only response that carries a secret.
package entries

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/docvault/docvault/internal/api/apierr"
	"github.com/docvault/docvault/internal/db/models"
	"github.com/docvault/docvault/internal/middleware"
	"github.com/docvault/docvault/internal/tenant"
	"github.com/docvault/docvault/internal/vault"
)

const (
	defaultPerPage = 50
	maxPerPage     = 200
)

// Service is the vault as seen by the HTTP layer. *vault.Service implements it.
type Service interface {
	List(ctx context.Context, tc tenant.Context, opts vault.ListOptions) ([]models.VaultEntrySummary, int, error)
	Get(ctx context.Context, tc tenant.Context, id string) (*models.VaultEntrySummary, error)
	Reveal(ctx context.Context, tc tenant.Context, id string) ([]byte, error)
	GenerateOTP(ctx context.Context, tc tenant.Context, id string) (*vault.OTP, error)
	VerifyOTP(ctx context.Context, tc tenant.Context, id, code string) (bool, error)
	Create(ctx context.Context, tc tenant.Context, in vault.EntryInput) (*models.VaultEntrySummary, error)
	Update(ctx context.Context, tc tenant.Context, id string, in vault.EntryInput) (*models.VaultEntrySummary, error)
	Delete(ctx context.Context, tc tenant.Context, id string) error
	Rewrap(ctx context.Context, tc tenant.Context, id string) (*models.VaultEntrySummary, error)
}

// Handlers serves the vault entry endpoints.
type Handlers struct {
	vault Service
}

// NewHandlers creates a new Handlers instance
func NewHandlers(svc Service) *Handlers {
	return &Handlers{vault: svc}
}

// entryRequest is the JSON body of create and update calls. Absent secret or totp_seed on
// update keeps the stored value; an empty totp_seed removes it.
type entryRequest struct {
	Title     string     `json:"title"`
	Username  string     `json:"username"`
	Type      string     `json:"type"`
	URL       string     `json:"url"`
	Notes     string     `json:"notes"`
	Secret    *string    `json:"secret"`
	TOTPSeed  *string    `json:"totp_seed"`
	ExpiresAt *time.Time `json:"expires_at"`
	Version   int64      `json:"version"`
}

func (r entryRequest) input() vault.EntryInput {
	return vault.EntryInput{
		Title:     r.Title,
		Username:  r.Username,
		EntryType: r.Type,
		URL:       r.URL,
		Notes:     r.Notes,
		Secret:    r.Secret,
		TOTPSeed:  r.TOTPSeed,
		ExpiresAt: r.ExpiresAt,
		Version:   r.Version,
	}
}

// ListHandler lists entry summaries of the current organization
// GET /api/v1/vault?q=&page=1&per_page=50
func (h *Handlers) ListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
		perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", strconv.Itoa(defaultPerPage)))
		if page < 1 {
			page = 1
		}
		if perPage < 1 || perPage > maxPerPage {
			perPage = defaultPerPage
		}

		entries, total, err := h.vault.List(c.Request.Context(), middleware.TenantFrom(c), vault.ListOptions{
			Query:  strings.TrimSpace(c.Query("q")),
			Limit:  perPage,
			Offset: (page - 1) * perPage,
		})
		if err != nil {
			apierr.Respond(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"entries": entries,
			"pagination": gin.H{
				"page":     page,
				"per_page": perPage,
				"total":    total,
			},
		})
	}
}

// GetHandler returns one entry summary
// GET /api/v1/vault/:id
func (h *Handlers) GetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		entry, err := h.vault.Get(c.Request.Context(), middleware.TenantFrom(c), c.Param("id"))
		if err != nil {
			apierr.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, entry)
	}
}

// CreateHandler stores a new entry
// POST /api/v1/vault
func (h *Handlers) CreateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req entryRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			apierr.BadRequest(c, "invalid request body")
			return
		}
		entry, err := h.vault.Create(c.Request.Context(), middleware.TenantFrom(c), req.input())
		if err != nil {
			apierr.Respond(c, err)
			return
		}
		c.JSON(http.StatusCreated, entry)
	}
}

// UpdateHandler replaces an entry's fields. The body's version must match the stored one
// unless it is zero.
// PUT /api/v1/vault/:id
func (h *Handlers) UpdateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req entryRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			apierr.BadRequest(c, "invalid request body")
			return
		}
		entry, err := h.vault.Update(c.Request.Context(), middleware.TenantFrom(c), c.Param("id"), req.input())
		if err != nil {
			apierr.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, entry)
	}
}

// DeleteHandler removes an entry
// DELETE /api/v1/vault/:id
func (h *Handlers) DeleteHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.vault.Delete(c.Request.Context(), middleware.TenantFrom(c), c.Param("id")); err != nil {
			apierr.Respond(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// RevealHandler decrypts and returns an entry's secret. The plaintext buffer is zeroed once the
// response has been written.
// POST /api/v1/vault/:id/reveal
func (h *Handlers) RevealHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		secret, err := h.vault.Reveal(c.Request.Context(), middleware.TenantFrom(c), c.Param("id"))
		if err != nil {
			apierr.Respond(c, err)
			return
		}
		defer clear(secret)
		c.JSON(http.StatusOK, gin.H{"secret": string(secret)})
	}
}

// OTPHandler generates the current TOTP code of an entry
// POST /api/v1/vault/:id/otp
func (h *Handlers) OTPHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		otp, err := h.vault.GenerateOTP(c.Request.Context(), middleware.TenantFrom(c), c.Param("id"))
		if err != nil {
			apierr.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"code":       otp.Code,
			"expires_in": int(otp.ExpiresIn / time.Second),
		})
	}
}

type verifyRequest struct {
	Code string `json:"code"`
}

// VerifyOTPHandler checks a code against an entry's TOTP seed, for confirming that a device
// enrolled with the stored seed is in sync.
// POST /api/v1/vault/:id/otp/verify
func (h *Handlers) VerifyOTPHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req verifyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			apierr.BadRequest(c, "invalid request body")
			return
		}
		valid, err := h.vault.VerifyOTP(c.Request.Context(), middleware.TenantFrom(c), c.Param("id"), strings.TrimSpace(req.Code))
		if err != nil {
			apierr.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"valid": valid})
	}
}

// RewrapHandler re-wraps an entry's data keys under the active master key
// POST /api/v1/vault/:id/rewrap
func (h *Handlers) RewrapHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		entry, err := h.vault.Rewrap(c.Request.Context(), middleware.TenantFrom(c), c.Param("id"))
		if err != nil {
			apierr.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, entry)
	}
}
