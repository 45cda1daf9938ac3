package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/apperr"
	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/donations"
	"github.com/MarcoPoloResearchLab/pledgeboard/backend/internal/realtime"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	donorRefContextKey       = "pledgeboard_donor_ref"
	defaultHeartbeatInterval = 15 * time.Second
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingDonations      = errors.New("donation service dependency required")
	errMissingNotifier       = errors.New("notifier dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator resolves a bearer token to the donor reference it was issued for.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// Dependencies bundles what the HTTP layer needs.
type Dependencies struct {
	Tokens            TokenValidator
	Donations         *donations.Service
	Notifier          *realtime.Notifier
	Logger            *zap.Logger
	HeartbeatInterval time.Duration
}

// NewHTTPHandler builds the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Donations == nil {
		return nil, errMissingDonations
	}
	if deps.Notifier == nil {
		return nil, errMissingNotifier
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tokens:    deps.Tokens,
		donations: deps.Donations,
		notifier:  deps.Notifier,
		logger:    logger,
		heartbeat: heartbeat,
	}

	router.GET("/ranking", handler.handleRanking)
	router.GET("/user-rank", handler.handleUserRank)
	router.GET("/event-totals", handler.handleEventTotals)
	router.GET("/achievements", handler.handleAchievements)
	router.GET("/stream", handler.handleStream)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/commitments", handler.handleRecordCommitment)
	protected.POST("/commitments/:id/reveal", handler.handleRevealCommitment)
	protected.GET("/commitments", handler.handleListCommitments)
	protected.PUT("/preference", handler.handleSetPreference)
	protected.GET("/preference", handler.handleGetPreference)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc: func(string) bool { return true },
		AllowMethods:    []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders:    []string{"Authorization", "Content-Type", "Last-Event-ID"},
		MaxAge:          12 * time.Hour,
	})
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(started)))
	}
}

type httpHandler struct {
	tokens    TokenValidator
	donations *donations.Service
	notifier  *realtime.Notifier
	logger    *zap.Logger
	heartbeat time.Duration
}

type errorResponsePayload struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Retryable bool   `json:"retryable"`
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(donorRefContextKey, subject)
	c.Next()
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status := statusForKind(kind)
	code := apperr.CodeOf(err)
	if code == "" {
		code = string(apperr.KindInternal)
	}
	retryable := false
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		retryable = appErr.Retryable()
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("code", code),
			zap.Error(err))
	}
	c.AbortWithStatusJSON(status, errorResponsePayload{Error: code, Kind: string(kind), Retryable: retryable})
}

func statusForKind(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindAuthorization:
		return http.StatusForbidden
	case apperr.KindDependency:
		return http.StatusBadGateway
	case apperr.KindConcurrency:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func invalidRequest(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorResponsePayload{
		Error: "invalid_request",
		Kind:  string(apperr.KindValidation),
	})
}
