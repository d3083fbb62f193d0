package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/example/biovote/internal/ledger"
	"github.com/example/biovote/internal/registry"
	"github.com/example/biovote/internal/verification"
)

// MaxUploadSize caps the accepted image payload.
const MaxUploadSize = 10 << 20

// VerificationService is the orchestrator surface the handlers depend on.
type VerificationService interface {
	Verify(ctx context.Context, req verification.Request) (*verification.Outcome, error)
	GetResult(ctx context.Context, requestID string) (*verification.Outcome, error)
	GetMetricsSummary(ctx context.Context) (*verification.MetricsSummary, error)
	BindWallet(ctx context.Context, identityID, walletAddress string) error
}

// LedgerService is the bridge surface the handlers depend on.
type LedgerService interface {
	LookupVoter(ctx context.Context, voterAddress string) (ledger.VoterState, error)
	Candidates(ctx context.Context) ([]ledger.Candidate, error)
	BuildRegistrationTx(ctx context.Context, adminAddress, voterAddress, commitmentHex string) (*ledger.UnsignedTransaction, error)
	BuildVoteTx(ctx context.Context, voterAddress string, candidateID int64) (*ledger.UnsignedTransaction, error)
}

// IdentityAdmin exposes the administrative registry operations.
type IdentityAdmin interface {
	Get(ctx context.Context, identityID string) (*registry.IdentityRecord, error)
	Deactivate(ctx context.Context, identityID string) error
}

// Config carries handler-level settings.
type Config struct {
	AdminAddress string
}

type voteRequest struct {
	VoterAddress string `json:"voter_address" binding:"required"`
	CandidateID  int64  `json:"candidate_id"`
}

type registerVoterRequest struct {
	VoterAddress string `json:"voter_address" binding:"required"`
	IdentityID   string `json:"identity_id" binding:"required"`
}

type bindWalletRequest struct {
	WalletAddress string `json:"wallet_address" binding:"required"`
}

// RegisterRoutes wires the HTTP handlers to the Gin router. Routes that build
// transactions or mutate identity state sit behind the auth middleware.
func RegisterRoutes(router *gin.Engine, svc VerificationService, chain LedgerService, admin IdentityAdmin, cfg Config, authMiddleware gin.HandlerFunc) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")

	api.POST("/verify", func(c *gin.Context) {
		file, err := c.FormFile("image")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
			return
		}
		if file.Size > MaxUploadSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
			return
		}
		if contentType := file.Header.Get("Content-Type"); contentType != "" && !strings.HasPrefix(contentType, "image/") {
			c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported content type"})
			return
		}

		src, err := file.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
			return
		}
		defer src.Close()

		data, err := io.ReadAll(io.LimitReader(src, MaxUploadSize+1))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
			return
		}
		if len(data) > MaxUploadSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
			return
		}

		outcome, err := svc.Verify(c.Request.Context(), verification.Request{
			ImageBytes:    data,
			CheckLiveness: c.PostForm("liveness") == "true",
			WalletAddress: c.PostForm("wallet_address"),
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, outcomeBody(outcome))
			return
		}
		c.JSON(http.StatusOK, outcomeBody(outcome))
	})

	api.GET("/result/:id", func(c *gin.Context) {
		outcome, err := svc.GetResult(c.Request.Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, verification.ErrResultNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load result"})
			return
		}
		c.JSON(http.StatusOK, outcomeBody(outcome))
	})

	api.GET("/metrics", func(c *gin.Context) {
		summary, err := svc.GetMetricsSummary(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to aggregate metrics"})
			return
		}
		c.JSON(http.StatusOK, summary)
	})

	api.GET("/candidates", func(c *gin.Context) {
		candidates, err := chain.Candidates(c.Request.Context())
		if err != nil {
			respondLedgerError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "candidates": candidates})
	})

	api.GET("/voter/:address", func(c *gin.Context) {
		state, err := chain.LookupVoter(c.Request.Context(), c.Param("address"))
		if err != nil {
			respondLedgerError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success":       true,
			"is_registered": state.IsRegistered,
			"has_voted":     state.HasVoted,
		})
	})

	authed := api.Group("", authMiddleware)

	authed.POST("/vote", func(c *gin.Context) {
		var req voteRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "voter_address and candidate_id are required"})
			return
		}

		tx, err := chain.BuildVoteTx(c.Request.Context(), req.VoterAddress, req.CandidateID)
		if err != nil {
			respondLedgerError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "transaction": tx})
	})

	authed.POST("/register-voter", func(c *gin.Context) {
		var req registerVoterRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "voter_address and identity_id are required"})
			return
		}

		record, err := admin.Get(c.Request.Context(), req.IdentityID)
		if err != nil {
			if errors.Is(err, registry.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "identity not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load identity"})
			return
		}
		if !record.Active {
			c.JSON(http.StatusConflict, gin.H{"error": "identity is deactivated"})
			return
		}

		tx, err := chain.BuildRegistrationTx(c.Request.Context(), cfg.AdminAddress, req.VoterAddress, record.Commitment)
		if err != nil {
			respondLedgerError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "transaction": tx})
	})

	authed.POST("/identity/:id/wallet", func(c *gin.Context) {
		var req bindWalletRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "wallet_address is required"})
			return
		}
		if !common.IsHexAddress(req.WalletAddress) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid wallet address format"})
			return
		}

		if err := svc.BindWallet(c.Request.Context(), c.Param("id"), req.WalletAddress); err != nil {
			if errors.Is(err, registry.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "identity not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to bind wallet"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	})

	authed.POST("/identity/:id/deactivate", func(c *gin.Context) {
		if err := admin.Deactivate(c.Request.Context(), c.Param("id")); err != nil {
			if errors.Is(err, registry.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "identity not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to deactivate identity"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	})
}

// outcomeBody shapes an outcome for the wire; only the disposition and
// identity id leave the server, never biometric material.
func outcomeBody(outcome *verification.Outcome) gin.H {
	body := gin.H{
		"success":    outcome.Success(),
		"request_id": outcome.RequestID,
		"status":     outcome.Status,
		"message":    outcome.Message,
	}
	if outcome.IdentityID != "" {
		body["identity_id"] = outcome.IdentityID
	}
	if outcome.Reason != "" {
		body["reason"] = outcome.Reason
	}
	return body
}

func respondLedgerError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidAddress), errors.Is(err, ledger.ErrInvalidCommitment):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ledger.ErrVoterNotEligible):
		c.JSON(http.StatusConflict, gin.H{"success": false, "error": "voter not eligible"})
	case errors.Is(err, ledger.ErrLedgerUnavailable):
		c.JSON(http.StatusBadGateway, gin.H{"error": "ledger unavailable"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ledger operation failed"})
	}
}
