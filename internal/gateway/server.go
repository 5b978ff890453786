package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/tradegate/internal/store"
	"github.com/nao1215/tradegate/pkg/apiauth"
	"github.com/nao1215/tradegate/pkg/apikey"
	"github.com/nao1215/tradegate/pkg/httpclient"
	"github.com/nao1215/tradegate/pkg/middleware"
	"github.com/nao1215/tradegate/pkg/observability"
	"github.com/nao1215/tradegate/pkg/telemetry"
)

// serviceName はログとトレースに使うサービス名。
const serviceName = "gateway"

// maxProxyBody は転送するバックエンド応答の最大長。
const maxProxyBody = 10 << 20

// devTokenTTL は開発用トークンの有効期間。
const devTokenTTL = 24 * time.Hour

// Deps はServerが外部から受け取る依存。
type Deps struct {
	// Store はクレデンシャルストア。必須。
	Store apiauth.CredentialStore
	// Emitter はセキュリティイベントの配送先。必須。
	Emitter apiauth.Emitter
	// Metrics はPrometheusメトリクス。nilの場合は新しく生成する。
	Metrics *observability.Metrics
	// Logger はロガー。nilの場合は slog.Default。
	Logger *slog.Logger
	// Now は現在時刻の取得方法。nilの場合は time.Now。
	Now func() time.Time
}

// Server はgatewayサービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	cfg    Config
	logger *slog.Logger
	// guard はAPIキーで保護するルートのハンドラを生成する。
	guard *apiauth.Guard
	// store は管理APIで使うストア。
	store   apiauth.CredentialStore
	metrics *observability.Metrics
	// backend は業務APIの転送先クライアント。
	backend *httpclient.Client
}

// endpoint はAPIキーで保護するルートの定義。
type endpoint struct {
	method     string
	path       string
	permission string
	skipLimit  bool
	handler    apiauth.Handler
}

// NewServer は新しいgatewayサーバーを生成する。
func NewServer(cfg Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics()
	}

	classifier := telemetry.Classifier{
		OffHoursStart:    cfg.OffHoursStart,
		OffHoursEnd:      cfg.OffHoursEnd,
		OffHoursDisabled: cfg.OffHoursDisabled,
	}
	guardOpts := []apiauth.Option{
		apiauth.WithLogger(logger),
		apiauth.WithClassifier(classifier),
		apiauth.WithRecorder(metrics),
	}
	if deps.Now != nil {
		guardOpts = append(guardOpts, apiauth.WithClock(deps.Now))
	}

	router := gin.New()
	// 信頼するプロキシ以外からの転送ヘッダーはクライアントIPに使わない
	if err := router.SetTrustedProxies(trustedProxies(cfg.TrustedProxies)); err != nil {
		logger.Warn("信頼するプロキシの設定に失敗しました。転送ヘッダーは使用しません", "error", err)
		_ = router.SetTrustedProxies(nil)
	}
	router.Use(middleware.Recovery(logger))
	router.Use(gin.Logger())

	s := &Server{
		router:  router,
		cfg:     cfg,
		logger:  logger,
		guard:   apiauth.New(deps.Store, deps.Emitter, guardOpts...),
		store:   deps.Store,
		metrics: metrics,
		backend: newBackendClient(cfg),
	}
	s.setupRoutes()
	return s
}

// trustedProxies は空の設定をnilにする。nilの場合ginは転送ヘッダーを信頼しない。
func trustedProxies(proxies []string) []string {
	if len(proxies) == 0 {
		return nil
	}
	return proxies
}

// Handler はOpenTelemetryの計装を付けたHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return observability.HTTPMiddleware(serviceName, s.router)
}

// Run はHTTPサーバーを起動し、ctxが終了したらグレースフルに停止する。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gatewayサービスを起動します", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("gatewayサービスの起動に失敗: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	s.logger.Info("gatewayサービスを停止します")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("gatewayサービスの停止に失敗: %w", err)
	}
	return nil
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	// 開発用トークン発行
	if s.cfg.DevMode {
		s.router.POST("/auth/dev-token", s.handleDevToken())
	}

	// APIキーで保護する業務API
	s.protect(s.router.Group("/api/v1"), []endpoint{
		{method: http.MethodGet, path: "/me", skipLimit: true, handler: s.handleGetCurrentKey()},

		// 商品
		{method: http.MethodGet, path: "/products", permission: "products:read", handler: s.handleProxy("/api/v1/products")},
		{method: http.MethodPost, path: "/products", permission: "products:write", handler: s.handleProxy("/api/v1/products")},
		{method: http.MethodGet, path: "/products/:id", permission: "products:read", handler: s.handleProxyWithParam("/api/v1/products/", "id")},
		{method: http.MethodPut, path: "/products/:id", permission: "products:write", handler: s.handleProxyWithParam("/api/v1/products/", "id")},
		{method: http.MethodDelete, path: "/products/:id", permission: "products:delete", handler: s.handleProxyWithParam("/api/v1/products/", "id")},

		// 見積
		{method: http.MethodGet, path: "/quotations", permission: "quotations:read", handler: s.handleProxy("/api/v1/quotations")},
		{method: http.MethodPost, path: "/quotations", permission: "quotations:write", handler: s.handleProxy("/api/v1/quotations")},

		{method: http.MethodGet, path: "/collections", permission: "collections:read", handler: s.handleProxy("/api/v1/collections")},
		{method: http.MethodGet, path: "/analytics", permission: "analytics:read", handler: s.handleProxy("/api/v1/analytics")},
		{method: http.MethodPost, path: "/webhooks", permission: "webhooks:write", handler: s.handleProxy("/api/v1/webhooks")},
	})

	// 管理API（管理者JWT必須）
	if s.cfg.JWTSecret != "" {
		admin := s.router.Group("/admin")
		admin.Use(middleware.CORS(middleware.CORSConfig{
			AllowOrigins: s.cfg.AdminOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders: []string{"Content-Type", "Authorization"},
			MaxAge:       "600",
		}))
		admin.Use(middleware.JWTAuth(s.cfg.JWTSecret))
		{
			admin.POST("/api-keys", s.handleCreateAPIKey())
			admin.GET("/security-events", s.handleListSecurityEvents())
			// プリフライトはCORSミドルウェアが204で終了させる
			admin.OPTIONS("/api-keys", func(*gin.Context) {})
			admin.OPTIONS("/security-events", func(*gin.Context) {})
		}
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": serviceName})
	})
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
}

// protect はエンドポイントをGuardで包んで登録し、パスごとにプリフライトを登録する。
// CORSで許可するメソッドは同じパスに登録されたメソッドの和になる。
func (s *Server) protect(group *gin.RouterGroup, endpoints []endpoint) {
	methods := make(map[string][]string)
	var paths []string
	for _, ep := range endpoints {
		if _, ok := methods[ep.path]; !ok {
			paths = append(paths, ep.path)
		}
		if !slices.Contains(methods[ep.path], ep.method) {
			methods[ep.path] = append(methods[ep.path], ep.method)
		}
	}

	for _, ep := range endpoints {
		route := apiauth.Route{
			Permission:    ep.permission,
			SkipRateLimit: ep.skipLimit,
			Methods:       methods[ep.path],
		}
		group.Handle(ep.method, ep.path, s.guard.Protect(route, ep.handler))
	}
	for _, p := range paths {
		group.OPTIONS(p, s.guard.Preflight(apiauth.Route{Methods: methods[p]}))
	}
}

// keyView は /api/v1/me で返す検証済みキーの情報。秘密情報と内部IDは含めない。
type keyView struct {
	ShortID     string               `json:"keyId"`
	Name        string               `json:"name,omitempty"`
	Environment apikey.Environment   `json:"environment"`
	Permissions []string             `json:"permissions"`
	RateLimits  apikey.QuotaPolicy   `json:"rateLimits"`
	Usage       apikey.UsageCounters `json:"usage"`
	ExpiresAt   *time.Time           `json:"expiresAt,omitempty"`
	LastUsedAt  *time.Time           `json:"lastUsedAt,omitempty"`
}

// handleGetCurrentKey はリクエストに使われたAPIキーの情報を返すハンドラを返す。
func (s *Server) handleGetCurrentKey() apiauth.Handler {
	return func(c *gin.Context, key *apikey.Record) error {
		perms := key.Capabilities
		if perms == nil {
			perms = []string{}
		}
		apiauth.Success(c, http.StatusOK, key, keyView{
			ShortID:     key.ShortID,
			Name:        key.Name,
			Environment: key.Environment,
			Permissions: perms,
			RateLimits:  key.Quota,
			Usage:       key.Usage,
			ExpiresAt:   key.ExpiresAt,
			LastUsedAt:  key.LastUsedAt,
		})
		return nil
	}
}

// handleProxy は指定されたパスにリクエストを転送するハンドラを返す。
func (s *Server) handleProxy(path string) apiauth.Handler {
	return func(c *gin.Context, key *apikey.Record) error {
		return s.doProxy(c, key, withQuery(path, c))
	}
}

// handleProxyWithParam はURLパラメータを含むパスに転送するハンドラを返す。
func (s *Server) handleProxyWithParam(pathPrefix, paramName string) apiauth.Handler {
	return func(c *gin.Context, key *apikey.Record) error {
		return s.doProxy(c, key, withQuery(pathPrefix+c.Param(paramName), c))
	}
}

func withQuery(path string, c *gin.Context) string {
	if c.Request.URL.RawQuery != "" {
		return path + "?" + c.Request.URL.RawQuery
	}
	return path
}

// doProxy はリクエストをバックエンドに転送する共通処理。
// クレデンシャルは転送せず、検証済みキーの公開IDと環境をヘッダーで伝える。
// 2xxのJSON応答は成功エンベロープで包み、それ以外はそのまま返す。
func (s *Server) doProxy(c *gin.Context, key *apikey.Record, pathAndQuery string) error {
	ctx := httpclient.WithKeyIdentity(c.Request.Context(), key.ShortID, string(key.Environment))

	header := http.Header{}
	header.Set("Accept", "application/json")
	if ct := c.GetHeader("Content-Type"); ct != "" {
		header.Set("Content-Type", ct)
	}

	resp, err := s.backend.Do(ctx, c.Request.Method, pathAndQuery, c.Request.Body, header)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"success": false, "error": "Backend unavailable", "code": apiauth.CodeError})
		return fmt.Errorf("バックエンドへの転送に失敗: path=%s: %w", pathAndQuery, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProxyBody))
	if err != nil {
		return fmt.Errorf("バックエンド応答の読み取りに失敗: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if ok && len(body) > 0 && json.Valid(body) {
		apiauth.Success(c, resp.StatusCode, key, json.RawMessage(body))
		return nil
	}
	c.Data(resp.StatusCode, contentType, body)
	return nil
}

// handleDevToken は開発用の管理者JWTを発行するハンドラを返す。
// DEV_MODEの場合のみ登録される。
func (s *Server) handleDevToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := middleware.GenerateAdminJWT(s.cfg.JWTSecret, "dev-admin", middleware.RoleAdmin, devTokenTTL)
		if err != nil {
			s.logger.ErrorContext(c.Request.Context(), "JWT生成エラー", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to issue token", "code": apiauth.CodeError})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"token":     token,
			"subject":   "dev-admin",
			"expiresIn": int64(devTokenTTL.Seconds()),
		})
	}
}

// handleCreateAPIKey はAPIキーを発行するハンドラを返す。
// 平文のキーはこの応答でのみ返される。
func (s *Server) handleCreateAPIKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		var spec store.NewKey
		if err := c.ShouldBindJSON(&spec); err != nil {
			adminError(c, http.StatusBadRequest, "BAD_REQUEST", "Invalid request body")
			return
		}

		p, ok := s.store.(store.Provisioner)
		if !ok {
			adminError(c, http.StatusNotImplemented, "NOT_IMPLEMENTED", "This backend does not support key provisioning")
			return
		}

		created, err := p.CreateAPIKey(c.Request.Context(), spec)
		switch {
		case errors.Is(err, store.ErrInvalidKeySpec):
			adminError(c, http.StatusBadRequest, "BAD_REQUEST", err.Error())
			return
		case errors.Is(err, store.ErrProvisioningUnsupported):
			adminError(c, http.StatusNotImplemented, "NOT_IMPLEMENTED", "This backend does not support key provisioning")
			return
		case err != nil:
			s.logger.ErrorContext(c.Request.Context(), "APIキーの発行に失敗しました", "error", err)
			adminError(c, http.StatusInternalServerError, apiauth.CodeError, "Internal server error")
			return
		}

		s.logger.InfoContext(c.Request.Context(), "APIキーを発行しました",
			"admin", middleware.GetAdminSubject(c),
			"api_key", created.Record.ShortID,
			"environment", created.Record.Environment)
		c.JSON(http.StatusCreated, gin.H{"success": true, "data": created})
	}
}

// handleListSecurityEvents は記録されたセキュリティイベントを新しい順に返すハンドラを返す。
func (s *Server) handleListSecurityEvents() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := store.DefaultEventLimit
		if v := c.Query("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				adminError(c, http.StatusBadRequest, "BAD_REQUEST", "limit must be a positive integer")
				return
			}
			limit = store.ClampLimit(n)
		}

		lister, ok := s.store.(store.EventLister)
		if !ok {
			adminError(c, http.StatusNotImplemented, "NOT_IMPLEMENTED", "This backend does not support event listing")
			return
		}

		events, err := lister.ListSecurityEvents(c.Request.Context(), limit)
		switch {
		case errors.Is(err, store.ErrListingUnsupported):
			adminError(c, http.StatusNotImplemented, "NOT_IMPLEMENTED", "This backend does not support event listing")
			return
		case err != nil:
			s.logger.ErrorContext(c.Request.Context(), "セキュリティイベントの取得に失敗しました", "error", err)
			adminError(c, http.StatusInternalServerError, apiauth.CodeError, "Internal server error")
			return
		}
		if events == nil {
			events = []telemetry.SecurityEvent{}
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "data": events})
	}
}

func adminError(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"success": false, "error": msg, "code": code})
}
