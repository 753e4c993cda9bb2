package http

import (
	"net/http"
	"strings"
	"time"

	"sharechannel/internal/core/domain"
	"sharechannel/internal/core/ports"
	"sharechannel/internal/core/services"
	"sharechannel/internal/infrastructure/middleware"
	"sharechannel/pkg/errors"
	"sharechannel/pkg/validation"

	"github.com/gin-gonic/gin"
)

// TokenHandler issues rendezvous tokens bound to a peer id.
type TokenHandler struct {
	authService services.AuthService
	registry    ports.IDRegistry
	tokenTTL    time.Duration
}

func NewTokenHandler(authService services.AuthService, registry ports.IDRegistry, tokenTTL time.Duration) *TokenHandler {
	return &TokenHandler{
		authService: authService,
		registry:    registry,
		tokenTTL:    tokenTTL,
	}
}

func (h *TokenHandler) SetupRoutes(router gin.IRouter) {
	router.POST("/token", h.IssueToken)
	router.POST("/token/refresh", middleware.AuthMiddleware(h.authService), h.RefreshToken)
}

type TokenRequest struct {
	PeerID   string `json:"peer_id" binding:"required,max=64"`
	UserName string `json:"user_name" binding:"max=64"`
}

type TokenResponse struct {
	Token     string        `json:"token"`
	PeerID    domain.PeerID `json:"peer_id"`
	ExpiresIn int           `json:"expires_in"`
}

// IssueToken hands out a token for an id nobody currently holds.
func (h *TokenHandler) IssueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	req.PeerID = strings.TrimSpace(req.PeerID)
	if err := validation.ValidatePeerID(req.PeerID); err != nil {
		_ = c.Error(errors.NewInvalidIDError(req.PeerID))
		return
	}
	id := domain.PeerID(req.PeerID)

	owner, err := h.registry.Owner(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(errors.WrapError(err, errors.ErrCodeServiceUnavailable, "id registry unavailable", http.StatusServiceUnavailable))
		return
	}
	if owner != "" {
		_ = c.Error(errors.NewIDTakenError(req.PeerID))
		return
	}

	h.respond(c, id, strings.TrimSpace(req.UserName))
}

// RefreshToken reissues a token for the peer id of the presented token.
func (h *TokenHandler) RefreshToken(c *gin.Context) {
	id, ok := middleware.PeerIDFromContext(c)
	if !ok {
		_ = c.Error(errors.NewUnauthorizedError("authentication required"))
		return
	}
	h.respond(c, id, middleware.UserNameFromContext(c))
}

func (h *TokenHandler) respond(c *gin.Context, id domain.PeerID, userName string) {
	token, err := h.authService.GenerateToken(id, userName)
	if err != nil {
		_ = c.Error(errors.NewInternalError("failed to generate token"))
		return
	}
	c.JSON(http.StatusOK, TokenResponse{
		Token:     token,
		PeerID:    id,
		ExpiresIn: int(h.tokenTTL / time.Second),
	})
}
