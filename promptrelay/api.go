package promptrelay

import (
	"context"
	"crypto/subtle"
	"fmt"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	apiPrefix        = "/api"
	apiHealthCheck   = "/healthz"
	apiMetrics       = "/metrics"
	apiVersion       = "/version"
	apiPathQuestions = "/questions"
	pprofPrefix      = "/debug/pprof"

	xRequestIDHeader = "X-Request-ID"

	defaultQuestionsLimit = 50
)

var (
	structValidator = validator.New()
)

// API is the optional status server, exposing a health check,
// prometheus metrics and (with a token set) recent questions.
type API struct {
	config     *APIConfig
	httpServer *http.Server
	listener   net.Listener
	engine     *gin.Engine
	logger     *slog.Logger
	handlers   *APIHandlers
}

func newAPI(p *PromptRelay, config *APIConfig) *API {
	logger := slog.New(
		newLogHandler(p.logWriter, config.LogLevel, p.noColor),
	).With(loggerNameKey, "api")

	r := gin.New()
	api := &API{
		config: config,
		engine: r,
		logger: logger,
		httpServer: &http.Server{
			Addr:              config.Listen,
			Handler:           r,
			WriteTimeout:      config.WriteTimeout,
			IdleTimeout:       config.IdleTimeout,
			ReadTimeout:       config.ReadTimeout,
			ReadHeaderTimeout: config.ReadHeaderTimeout,
		},
	}
	handlers := &APIHandlers{p: p, logger: logger}
	api.handlers = handlers

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
	)

	r.GET(apiHealthCheck, handlers.healthCheck)
	r.GET(apiVersion, handlers.version)
	r.GET(
		apiMetrics,
		gin.WrapH(promhttp.HandlerFor(p.metrics.registry, promhttp.HandlerOpts{})),
	)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	if config.Token != "" {
		protected := r.Group(apiPrefix)
		protected.Use(bearerAuthMiddleware(config.Token))
		protected.GET(apiPathQuestions, handlers.getQuestions)
	}

	return api
}

// Serve listens on the configured address and serves until
// the server is shut down
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "api listening", "address", a.listener.Addr().String())
	return a.httpServer.Serve(a.listener)
}

func (a *API) Shutdown(ctx context.Context) error {
	return a.httpServer.Shutdown(ctx)
}

// APIHandlers contains the handlers for the various API endpoints.
type APIHandlers struct {
	p      *PromptRelay
	logger *slog.Logger
}

type healthCheckResponse struct {
	DiscordGatewayConnected bool   `json:"discord_gateway_connected"`
	CommandsInProgress      int64  `json:"commands_in_progress"`
	CooldownUsers           int    `json:"cooldown_users"`
	StartedAt               int64  `json:"started_at,omitempty"`
	Uptime                  string `json:"uptime,omitempty"`
}

type versionResponse struct {
	Version   string `json:"version"`
	CommitSHA string `json:"commit_sha"`
	BuildTime string `json:"build_time"`
}

// questionsQuery is the query string for the questions endpoint
type questionsQuery struct {
	Limit  int    `form:"limit" binding:"omitempty,min=1,max=500"`
	UserID string `form:"user_id"`
}

// httpError represents an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

// healthCheck reports whether the gateway is connected, along with
// current load
func (h *APIHandlers) healthCheck(c *gin.Context) {
	p := h.p
	rv := healthCheckResponse{
		DiscordGatewayConnected: p.discord.connected.Load(),
		CommandsInProgress:      p.commandsInProgress.Load(),
		CooldownUsers:           p.cooldown.Len(),
	}
	if startedAt := p.StartedAt(); !startedAt.IsZero() {
		rv.StartedAt = startedAt.Unix()
		rv.Uptime = time.Since(startedAt).Round(time.Second).String()
	}
	c.JSON(http.StatusOK, rv)
}

func (*APIHandlers) version(c *gin.Context) {
	c.JSON(
		http.StatusOK,
		versionResponse{Version: Version, CommitSHA: CommitSHA, BuildTime: BuildTime},
	)
}

// getQuestions returns the most recent questions recorded in the audit
// database, newest first.
//
// Query parameters:
//   - limit: max number of records (default 50, max 500)
//   - user_id: only return questions from this discord user
//
// Responses:
//   - 200 OK: JSON array of questions
//   - 400 Bad Request: invalid query parameters
//   - 404 Not Found: no database configured
//   - 500 Internal Server Error: database error
func (h *APIHandlers) getQuestions(c *gin.Context) {
	logger := ginContextLogger(c)
	if h.p.writeDB == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, httpError{Error: "database not configured"})
		return
	}

	var query questionsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if query.Limit == 0 {
		query.Limit = defaultQuestionsLimit
	}

	questions, err := h.p.writeDB.RecentQuestions(c.Request.Context(), query.Limit, query.UserID)
	if err != nil {
		logger.Error("error getting questions", tint.Err(err))
		ginReplyError(c, "error getting questions")
		return
	}
	c.JSON(http.StatusOK, questions)
}

// bearerAuthMiddleware rejects requests which don't have the given token
// in an `Authorization: Bearer <token>` header
func bearerAuthMiddleware(token string) gin.HandlerFunc {
	expected := []byte(token)
	return func(c *gin.Context) {
		provided, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(provided), expected) != 1 {
			ginContextLogger(c).Warn("unauthorized request")
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		c.Next()
	}
}

// requestIDMiddleware assigns a unique request ID to each incoming
// request, and sets it as the X-Request-ID response header.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the request logger set by ginLoggingMiddleware,
// or the default logger if there isn't one.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := logger.(*slog.Logger); ok {
			return requestLogger
		}
	}
	return slog.Default()
}

// ginLoggingMiddleware returns a Gin middleware function for logging HTTP requests.
//
// It sets a request-scoped logger on the context (see ginContextLogger),
// and logs the method, path and duration of each request, along with
// any errors.
func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID, _ := c.Get(xRequestIDHeader)
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}

		requestLogger := logger.With(
			slog.Group(
				"request",
				"method", c.Request.Method,
				"path", path,
				"remote_ip", c.RemoteIP(),
				"user_agent", c.Request.UserAgent(),
			),
			slog.Any(xRequestIDHeader, requestID),
		)
		c.Set(string(loggerContextKey), requestLogger)

		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL.Path),
				"duration", latency,
				"errors", errs.Errors(),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL.Path),
			"duration", latency,
			response,
		)
	}
}

// ginReplyError sends a JSON response with a message,
// with HTTP status code 500, via the gin context.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

// validateConfig checks constraints across Config fields that can't be
// expressed with struct tags
func validateConfig(sl validator.StructLevel) {
	cfg, ok := sl.Current().Interface().(Config)
	if !ok {
		return
	}
	maxReply := utf8.RuneCountInString(cfg.ReplyLabel) + 1 +
		cfg.MaxResponseLength + utf8.RuneCountInString(truncatedSuffix)
	if maxReply > discordMaxMessageLength {
		sl.ReportError(
			cfg.MaxResponseLength,
			"MaxResponseLength",
			"max_response_length",
			"fits_message",
			"",
		)
	}
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
	structValidator.RegisterStructValidation(validateConfig, Config{})
}
