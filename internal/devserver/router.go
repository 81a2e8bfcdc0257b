package devserver

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/driftlab/syncstore/internal/datastore"
)

const userIDContextKey = "syncstore_user_id"

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingService       = errors.New("datastore service dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenManager issues and validates the bearer tokens the API accepts.
type TokenManager interface {
	IssueToken(ctx context.Context, userID int64) (string, int64, error)
	ValidateToken(token string) (int64, error)
}

// Dependencies carries the collaborators of the HTTP handler.
type Dependencies struct {
	TokenManager TokenManager
	Service      *Service
	Logger       *zap.Logger
}

// NewHTTPHandler builds the gin router serving the sync API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Service == nil {
		return nil, errMissingService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:  deps.TokenManager,
		service: deps.Service,
		logger:  logger,
	}

	router.POST("/auth/token", handler.handleIssueToken)

	protected := router.Group("/datastores")
	protected.Use(handler.authorizeRequest)
	protected.POST("/get", handler.handleGet)
	protected.POST("/get_or_create", handler.handleGetOrCreate)
	protected.POST("/create", handler.handleCreate)
	protected.POST("/delete", handler.handleDelete)
	protected.POST("/list", handler.handleList)
	protected.POST("/get_snapshot", handler.handleGetSnapshot)
	protected.POST("/get_deltas", handler.handleGetDeltas)
	protected.POST("/put_delta", handler.handlePutDelta)
	protected.POST("/await", handler.handleAwait)

	return router, nil
}

type httpHandler struct {
	tokens  TokenManager
	service *Service
	logger  *zap.Logger
}

type tokenRequestPayload struct {
	UserID int64 `json:"user_id"`
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// handleIssueToken hands out a bearer token for a numeric user ID. The
// development server trusts the caller; there is no credential check.
func (h *httpHandler) handleIssueToken(c *gin.Context) {
	var request tokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.UserID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), request.UserID)
	if err != nil {
		h.logger.Error("failed to issue token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

type datastoreResponsePayload struct {
	DSID        string  `json:"dsid"`
	Handle      string  `json:"handle"`
	Rev         int64   `json:"rev"`
	Role        *int64  `json:"role,omitempty"`
	Title       *string `json:"title,omitempty"`
	MtimeMillis *int64  `json:"mtime,omitempty"`
}

func descriptorPayload(descriptor datastore.DatastoreDescriptor) datastoreResponsePayload {
	return datastoreResponsePayload{
		DSID:        descriptor.ID,
		Handle:      descriptor.Handle,
		Rev:         descriptor.Revision,
		Role:        descriptor.RoleCode,
		Title:       descriptor.Title,
		MtimeMillis: descriptor.MTimeMillis,
	}
}

func (h *httpHandler) handleGet(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}
	var request struct {
		DSID string `json:"dsid"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	descriptor, err := h.service.GetDatastore(c.Request.Context(), userID, request.DSID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, descriptorPayload(descriptor))
}

func (h *httpHandler) handleGetOrCreate(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}
	var request struct {
		DSID string `json:"dsid"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	descriptor, err := h.service.GetOrCreateDatastore(c.Request.Context(), userID, request.DSID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, descriptorPayload(descriptor))
}

func (h *httpHandler) handleCreate(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}
	var request struct {
		DSID string `json:"dsid"`
		Key  string `json:"key"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	descriptor, err := h.service.CreateDatastore(c.Request.Context(), userID, request.DSID, request.Key)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, descriptorPayload(descriptor))
}

func (h *httpHandler) handleDelete(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}
	var request struct {
		Handle string `json:"handle"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.service.DeleteDatastore(c.Request.Context(), userID, request.Handle); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (h *httpHandler) handleList(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}
	result, err := h.service.ListDatastores(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	payload := struct {
		Token      string                     `json:"token"`
		Datastores []datastoreResponsePayload `json:"datastores"`
	}{Token: result.Token, Datastores: []datastoreResponsePayload{}}
	for _, descriptor := range result.Datastores {
		payload.Datastores = append(payload.Datastores, descriptorPayload(descriptor))
	}
	c.JSON(http.StatusOK, payload)
}

func (h *httpHandler) handleGetSnapshot(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}
	var request struct {
		Handle string `json:"handle"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	snapshot, err := h.service.GetSnapshot(c.Request.Context(), userID, request.Handle)
	if err != nil {
		h.writeError(c, err)
		return
	}
	rows := snapshot.Rows
	if rows == nil {
		rows = []datastore.SnapshotRow{}
	}
	c.JSON(http.StatusOK, gin.H{"rev": snapshot.Revision, "rows": rows})
}

func (h *httpHandler) handleGetDeltas(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}
	var request struct {
		Handle string `json:"handle"`
		Rev    int64  `json:"rev"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	deltas, err := h.service.GetDeltas(c.Request.Context(), userID, request.Handle, request.Rev)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if deltas == nil {
		deltas = []datastore.Delta{}
	}
	c.JSON(http.StatusOK, gin.H{"deltas": deltas})
}

func (h *httpHandler) handlePutDelta(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}
	var request struct {
		Handle  string `json:"handle"`
		Rev     int64  `json:"rev"`
		Changes []any  `json:"changes"`
		Nonce   string `json:"nonce"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	result, err := h.service.PutDelta(c.Request.Context(), userID, request.Handle, request.Rev, request.Changes, request.Nonce)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rev": result.Revision, "conflict": result.Conflict})
}

type awaitDeltasPayload struct {
	Deltas   []datastore.Delta `json:"deltas"`
	NotFound bool              `json:"notfound"`
}

func (h *httpHandler) handleAwait(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}
	var request struct {
		Token   string           `json:"token"`
		Cursors map[string]int64 `json:"cursors"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	resp, err := h.service.Await(c.Request.Context(), userID, datastore.AwaitRequest{
		ListToken: request.Token,
		Cursors:   request.Cursors,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	payload := struct {
		ListChanged bool                          `json:"list_changed"`
		Token       string                        `json:"token"`
		Datastores  []datastoreResponsePayload    `json:"datastores,omitempty"`
		Deltas      map[string]awaitDeltasPayload `json:"deltas,omitempty"`
	}{ListChanged: resp.ListChanged, Token: resp.Token}
	for _, descriptor := range resp.Datastores {
		payload.Datastores = append(payload.Datastores, descriptorPayload(descriptor))
	}
	if len(resp.Deltas) > 0 {
		payload.Deltas = make(map[string]awaitDeltasPayload, len(resp.Deltas))
		for handle, update := range resp.Deltas {
			payload.Deltas[handle] = awaitDeltasPayload{Deltas: update.Deltas, NotFound: update.NotFound}
		}
	}
	c.JSON(http.StatusOK, payload)
}

func (h *httpHandler) requestUserID(c *gin.Context) (int64, bool) {
	userID := c.GetInt64(userIDContextKey)
	if userID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return 0, false
	}
	return userID, true
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
	userID, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

// writeError maps the engine's sentinel errors onto HTTP statuses.
func (h *httpHandler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, datastore.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, datastore.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, datastore.ErrPermissionDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	default:
		h.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
