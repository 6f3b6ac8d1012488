// Package server exposes a record store over HTTP with the table/id routes the
// sync client speaks.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/companion-sync/internal/auth"
	"github.com/MarcoPoloResearchLab/companion-sync/internal/records"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userIDContextKey = "companion_user_id"
	defaultBasePath  = "/records"
	maxBodyBytes     = 1 << 20
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingRecordStore    = errors.New("record store dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator resolves a bearer token to its subject.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// RecordStore is the storage behind the record routes.
type RecordStore interface {
	List(ctx context.Context, collection string, filters []records.Filter) ([]records.Record, error)
	Get(ctx context.Context, collection string, id int64) (records.Record, error)
	Create(ctx context.Context, collection string, payload records.Record) (records.Record, error)
	Update(ctx context.Context, collection string, id int64, payload records.Record) (records.Record, error)
	Delete(ctx context.Context, collection string, id int64) error
}

type Dependencies struct {
	Tokens  TokenValidator
	Records RecordStore
	// BasePath prefixes every record route; "/records" when empty.
	BasePath string
	Logger   *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Records == nil {
		return nil, errMissingRecordStore
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	basePath := "/" + strings.Trim(strings.TrimSpace(deps.BasePath), "/")
	if basePath == "/" {
		basePath = defaultBasePath
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tokens:    deps.Tokens,
		records:   deps.Records,
		ownership: ownership{records: deps.Records},
		logger:    logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	protected := router.Group(basePath)
	protected.Use(handler.authorizeRequest)
	protected.GET("/:table", handler.handleList)
	protected.POST("/:table", handler.handleCreate)
	protected.GET("/:table/:id", handler.handleGet)
	protected.PUT("/:table/:id", handler.handleUpdate)
	protected.DELETE("/:table/:id", handler.handleDelete)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "Accept"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	tokens    TokenValidator
	records   RecordStore
	ownership ownership
	logger    *zap.Logger
}

func (h *httpHandler) handleList(c *gin.Context) {
	table := c.Param("table")
	subject := c.GetString(userIDContextKey)
	filters := make([]records.Filter, 0, len(c.QueryArray("filter"))+1)
	for _, raw := range c.QueryArray("filter") {
		filter, err := records.ParseFilter(raw)
		if err != nil {
			c.String(http.StatusBadRequest, err.Error())
			return
		}
		filters = append(filters, filter)
	}
	filters = h.ownership.listFilters(table, subject, filters)

	found, err := h.records.List(c.Request.Context(), table, filters)
	if err == nil {
		found, err = h.ownership.visible(c.Request.Context(), table, subject, found)
	}
	if err != nil {
		h.respondError(c, "list", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": found})
}

func (h *httpHandler) handleGet(c *gin.Context) {
	id, ok := recordID(c)
	if !ok {
		return
	}
	record, ok := h.loadOwned(c, "get", id)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *httpHandler) handleCreate(c *gin.Context) {
	payload, ok := readPayload(c)
	if !ok {
		return
	}
	table := c.Param("table")
	if err := h.ownership.claim(c.Request.Context(), table, c.GetString(userIDContextKey), payload, true); err != nil {
		h.respondError(c, "create", err)
		return
	}
	created, err := h.records.Create(c.Request.Context(), table, payload)
	if err != nil {
		h.respondError(c, "create", err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *httpHandler) handleUpdate(c *gin.Context) {
	id, ok := recordID(c)
	if !ok {
		return
	}
	payload, ok := readPayload(c)
	if !ok {
		return
	}
	if _, ok := h.loadOwned(c, "update", id); !ok {
		return
	}
	table := c.Param("table")
	if err := h.ownership.claim(c.Request.Context(), table, c.GetString(userIDContextKey), payload, false); err != nil {
		h.respondError(c, "update", err)
		return
	}
	updated, err := h.records.Update(c.Request.Context(), table, id, payload)
	if err != nil {
		h.respondError(c, "update", err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (h *httpHandler) handleDelete(c *gin.Context) {
	id, ok := recordID(c)
	if !ok {
		return
	}
	if _, ok := h.loadOwned(c, "delete", id); !ok {
		return
	}
	if err := h.records.Delete(c.Request.Context(), c.Param("table"), id); err != nil {
		h.respondError(c, "delete", err)
		return
	}
	c.JSON(http.StatusOK, 1)
}

// loadOwned fetches the addressed record and writes the error response when it
// is missing or belongs to another user.
func (h *httpHandler) loadOwned(c *gin.Context, action string, id int64) (records.Record, bool) {
	table := c.Param("table")
	record, err := h.records.Get(c.Request.Context(), table, id)
	if err == nil {
		err = h.ownership.check(c.Request.Context(), table, c.GetString(userIDContextKey), record)
	}
	if err != nil {
		h.respondError(c, action, err)
		return nil, false
	}
	return record, true
}

func (h *httpHandler) respondError(c *gin.Context, action string, err error) {
	switch {
	case errors.Is(err, records.ErrNotFound):
		c.String(http.StatusNotFound, err.Error())
	case errors.Is(err, records.ErrInvalidCollection),
		errors.Is(err, records.ErrInvalidFilter),
		errors.Is(err, records.ErrInvalidPayload):
		c.String(http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("record request failed",
			zap.String("action", action),
			zap.String("table", c.Param("table")),
			zap.String("user_id", c.GetString(userIDContextKey)),
			zap.Error(err))
		c.String(http.StatusInternalServerError, "internal error")
	}
}

func recordID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.String(http.StatusBadRequest, "invalid record id")
		return 0, false
	}
	return id, true
}

func readPayload(c *gin.Context) (records.Record, bool) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		c.String(http.StatusBadRequest, "unreadable body")
		return nil, false
	}
	payload, err := records.DecodeObject(body)
	if err != nil {
		c.String(http.StatusBadRequest, err.Error())
		return nil, false
	}
	return payload, true
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if !strings.HasPrefix(header, "Bearer ") || token == "" {
		c.String(http.StatusUnauthorized, errInvalidAuthorization.Error())
		c.Abort()
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.String(http.StatusUnauthorized, "unauthorized")
		c.Abort()
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}
