package chatscope

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	apiPrefix                = "/api"
	apiHealthCheck           = "/healthz"
	apiPathContext           = "/context"
	apiPathContextID         = "/context/:id"
	apiPathContextAssembled  = "/context/assembled"
	apiPathConversationByKey = "/conversations/:key"
	apiPathQuit              = "/quit"
)

const (
	xRequestIDHeader = "X-Request-ID"
	bearerPrefix     = "Bearer "
)

var errStoreNotReady = errors.New("database not ready")

// API serves the operations endpoints: health, and management of the
// context scope
type API struct {
	config           *APIConfig
	httpServer       *http.Server
	listener         net.Listener
	engine           *gin.Engine
	requestMetrics   map[string]int
	requestMetricsMu sync.Mutex
	logger           *slog.Logger

	handlers *APIHandlers
}

func newAPI(c *ChatScope, config *APIConfig) (*API, error) {
	setupLogger := slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	)

	r := gin.New()

	api := &API{
		config:         config,
		engine:         r,
		requestMetrics: map[string]int{},
		logger:         setupLogger.With(loggerNameKey, "api"),
	}
	apiHandlers := NewAPIHandlers(c)
	api.handlers = apiHandlers

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	if config.SSL.enabled() {
		tlsCfg, err := tlsConfig(
			config.SSL.Cert,
			config.SSL.Key,
			config.SSL.TLSMinVersion,
		)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
		httpServer.TLSConfig = tlsCfg
	}
	api.httpServer = httpServer

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
		metricMiddleware(api),
		cors.New(config.CORS.GINConfig()),
	)

	r.GET(apiHealthCheck, apiHandlers.healthCheck)

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(config.Secret))

	protected.GET(apiPathContext, apiHandlers.listContext)
	protected.POST(apiPathContext, apiHandlers.addContext)
	protected.GET(apiPathContextAssembled, apiHandlers.assembledContext)
	protected.DELETE(apiPathContextID, apiHandlers.removeContext)
	protected.GET(apiPathConversationByKey, apiHandlers.getConversation)
	protected.POST(apiPathQuit, apiHandlers.botQuit)

	return api, nil
}

// Serve listens on the configured address, with TLS if a cert
// and key are configured
func (a *API) Serve(ctx context.Context) error {
	if a.listener != nil {
		return a.httpServer.Serve(a.listener)
	}
	listenCfg := &net.ListenConfig{}
	ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
	}
	if a.httpServer.TLSConfig != nil {
		ln = tls.NewListener(ln, a.httpServer.TLSConfig)
	}
	a.listener = ln
	a.logger.InfoContext(ctx, "api listening", "addr", ln.Addr().String())
	return a.httpServer.Serve(a.listener)
}

// APIHandlers implements the API's endpoints
type APIHandlers struct {
	c *ChatScope
}

func NewAPIHandlers(c *ChatScope) *APIHandlers {
	return &APIHandlers{c: c}
}

func (h *APIHandlers) contextScope(c *gin.Context) (*ContextScope, bool) {
	if h.c.contextScope == nil {
		c.AbortWithStatusJSON(
			http.StatusServiceUnavailable,
			httpError{Error: errStoreNotReady.Error()},
		)
		return nil, false
	}
	return h.c.contextScope, true
}

// healthCheck reports the discord connection state and message stats
func (h *APIHandlers) healthCheck(c *gin.Context) {
	var uptime time.Duration
	if !h.c.startedAt.IsZero() {
		uptime = time.Since(h.c.startedAt)
	}
	resp := healthCheckResponse{
		DiscordGatewayConnected: h.c.discord.connected.Load(),
		MessagesHandled:         h.c.messagesHandled.Load(),
		MessagesInProgress:      h.c.messagesInProgress.Load(),
		ConversationsStarted:    h.c.conversationsStarted.Load(),
		ConversationsContinued:  h.c.conversationsContinued.Load(),
		CompletionErrors:        h.c.completionErrors.Load(),
		Uptime:                  uptime.Round(time.Second).String(),
		Version:                 Version,
	}
	if h.c.api != nil {
		resp.Requests = h.c.api.RequestMetrics()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *APIHandlers) listContext(c *gin.Context) {
	scope, ok := h.contextScope(c)
	if !ok {
		return
	}
	snippets, err := scope.List(c)
	if err != nil {
		_ = c.Error(err)
		ginReplyError(c, "error listing context")
		return
	}
	c.JSON(http.StatusOK, snippets)
}

func (h *APIHandlers) addContext(c *gin.Context) {
	scope, ok := h.contextScope(c)
	if !ok {
		return
	}
	var payload addContextPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	snippet, err := scope.Add(
		c,
		payload.Text,
		Author{ID: payload.AddedByID, Username: payload.AddedByUsername},
	)
	if err != nil {
		var validationErr *ValidationError
		if errors.As(err, &validationErr) {
			c.AbortWithStatusJSON(
				http.StatusBadRequest,
				httpError{Error: validationErr.Error()},
			)
			return
		}
		_ = c.Error(err)
		ginReplyError(c, "error adding context")
		return
	}
	c.JSON(http.StatusCreated, snippet)
}

func (h *APIHandlers) removeContext(c *gin.Context) {
	scope, ok := h.contextScope(c)
	if !ok {
		return
	}
	id := c.Param("id")
	if err := scope.Remove(c, id); err != nil {
		var validationErr *ValidationError
		if errors.As(err, &validationErr) {
			c.AbortWithStatusJSON(
				http.StatusBadRequest,
				httpError{Error: validationErr.Error()},
			)
			return
		}
		_ = c.Error(err)
		ginReplyError(c, "error removing context")
		return
	}
	ginReplyMessage(c, "deleted")
}

func (h *APIHandlers) assembledContext(c *gin.Context) {
	scope, ok := h.contextScope(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, assembledContextResponse{Context: scope.Assemble(c)})
}

func (h *APIHandlers) getConversation(c *gin.Context) {
	if h.c.store == nil {
		c.AbortWithStatusJSON(
			http.StatusServiceUnavailable,
			httpError{Error: errStoreNotReady.Error()},
		)
		return
	}
	conv, found, err := h.c.store.FindConversation(c, c.Param("key"))
	if err != nil {
		_ = c.Error(err)
		ginReplyError(c, "error finding conversation")
		return
	}
	if !found {
		c.AbortWithStatusJSON(http.StatusNotFound, httpError{Error: "not found"})
		return
	}
	c.JSON(http.StatusOK, conv)
}

// botQuit sends a stop signal to the bot
func (h *APIHandlers) botQuit(c *gin.Context) {
	log := ginContextLogger(c)
	log.Warn("sending stop signal")
	if !h.c.Stop() {
		log.Warn("stop signal already pending")
	}
	ginReplyMessage(c, "quitting")
}

type addContextPayload struct {
	Text            string `json:"text" binding:"required"`
	AddedByID       string `json:"added_by_id"`
	AddedByUsername string `json:"added_by_username"`
}

type assembledContextResponse struct {
	Context string `json:"context"`
}

type healthCheckResponse struct {
	DiscordGatewayConnected bool           `json:"discord_gateway_connected"`
	MessagesHandled         int64          `json:"messages_handled"`
	MessagesInProgress      int64          `json:"messages_in_progress"`
	ConversationsStarted    int64          `json:"conversations_started"`
	ConversationsContinued  int64          `json:"conversations_continued"`
	CompletionErrors        int64          `json:"completion_errors"`
	Uptime                  string         `json:"uptime"`
	Version                 string         `json:"version"`
	Requests                map[string]int `json:"requests"`
}

// httpReply represents a standard HTTP response message.
type httpReply struct {
	Message string `json:"message"`
}

// httpError represents an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

// authMiddleware requires the Authorization header to carry the
// configured secret as a bearer token
func authMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, bearerPrefix)
		if !ok || secret == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			logger.Warn("unauthorized request")
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}
		c.Next()
	}
}

// requestIDMiddleware assigns a unique request ID to each incoming
// request, and sets it as the X-Request-ID response header
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	var requestLogger *slog.Logger
	logger, ok := c.Get(string(loggerContextKey))
	if ok {
		requestLogger, ok = logger.(*slog.Logger)
		if ok {
			return requestLogger
		}
	}
	requestLogger = slog.Default()
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	raw := c.Request.URL.RawQuery
	if raw != "" {
		path = path + "?" + raw
	}

	requestLogger = requestLogger.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request with its duration and
// response status, along with any private errors added to the context
func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		if base != nil {
			requestID, _ := c.Get(xRequestIDHeader)
			c.Set(
				string(loggerContextKey),
				base.With(
					slog.Group(
						"request",
						"method", c.Request.Method,
						"path", c.Request.URL.Path,
						"remote_ip", c.RemoteIP(),
					),
					slog.Any(xRequestIDHeader, requestID),
				),
			)
		}
		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, e.Err)
		}
		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				tint.Err(errors.Join(errs...)),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// RequestMetrics returns a copy of the request counts, keyed by
// method and route
func (a *API) RequestMetrics() map[string]int {
	a.requestMetricsMu.Lock()
	defer a.requestMetricsMu.Unlock()
	rv := make(map[string]int, len(a.requestMetrics))
	for k, v := range a.requestMetrics {
		rv[k] = v
	}
	return rv
}

// metricMiddleware counts requests per method and path
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		a.requestMetricsMu.Lock()
		a.requestMetrics[fmt.Sprintf("%s %s", c.Request.Method, c.FullPath())]++
		a.requestMetricsMu.Unlock()
		c.Next()
	}
}

// ginReplyMessage sends a JSON response with a message,
// with HTTP status code 200, via the gin context.
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError sends a JSON response with a message,
// with HTTP status code 500, via the gin context.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}
