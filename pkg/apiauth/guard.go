package apiauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nao1215/tradegate/pkg/apikey"
	"github.com/nao1215/tradegate/pkg/middleware"
	"github.com/nao1215/tradegate/pkg/permission"
	"github.com/nao1215/tradegate/pkg/ratelimit"
	"github.com/nao1215/tradegate/pkg/telemetry"
)

// tracerName はGuardが生成するスパンの計装名。
const tracerName = "github.com/nao1215/tradegate/pkg/apiauth"

// contextKeyRecord はGinコンテキストに検証済みレコードを格納するキー。
const contextKeyRecord = "apiauth_record"

// CredentialStore はAPIキーのレコードを保持する外部ストア。
type CredentialStore interface {
	// Validate はクレデンシャルに対応するレコードを返す。
	// 未登録の場合は apikey.ErrNotFound を返す。それ以外のエラーはストア障害として扱う。
	Validate(ctx context.Context, credential string) (*apikey.Record, error)
	// IncrementUsage は4つのカウンタを1ずつ進める。
	IncrementUsage(ctx context.Context, credential string) error
}

// Emitter はセキュリティイベントを非同期に配送する。Emitはブロックしてはならない。
type Emitter interface {
	Emit(events ...telemetry.SecurityEvent)
}

// Recorder はリクエストの終端状態とストアの所要時間を記録する。
type Recorder interface {
	RecordOutcome(route, outcome string)
	ObserveStore(op string, d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RecordOutcome(string, string)        {}
func (nopRecorder) ObserveStore(string, time.Duration) {}

// Route は保護するルートごとの設定。
type Route struct {
	// Permission は必要な権限（例: "products:read"）。空の場合は権限を確認しない。
	Permission string
	// SkipRateLimit がtrueの場合はレート制限を判定せず、使用量も加算しない。
	SkipRateLimit bool
	// Methods はCORSで許可するHTTPメソッド。空の場合は既定のメソッド。
	Methods []string
}

// defaultMethods はRoute.Methodsが空の場合に許可するメソッド。
var defaultMethods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete}

// corsMethods はOPTIONSを含む許可メソッドを返す。
func (r Route) corsMethods() []string {
	methods := r.Methods
	if len(methods) == 0 {
		methods = defaultMethods
	}
	if slices.Contains(methods, http.MethodOptions) {
		return methods
	}
	return append(slices.Clone(methods), http.MethodOptions)
}

// Handler は検証済みのレコードを受け取るハンドラ。
// 応答を書き込まずにエラーを返した場合は500になる。書き込み済みの応答はそのまま返される。
type Handler func(c *gin.Context, key *apikey.Record) error

// Guard はAPIキーによる認証・認可・レート制限を行う。
type Guard struct {
	store      CredentialStore
	emitter    Emitter
	logger     *slog.Logger
	classifier telemetry.Classifier
	recorder   Recorder
	now        func() time.Time
	tracer     trace.Tracer
}

// Option はGuardの設定を変更する。
type Option func(*Guard)

// WithLogger はロガーを設定する。
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) { g.logger = l }
}

// WithClassifier はセキュリティイベントの分類器を設定する。
func WithClassifier(c telemetry.Classifier) Option {
	return func(g *Guard) { g.classifier = c }
}

// WithRecorder はメトリクスの記録先を設定する。
func WithRecorder(r Recorder) Option {
	return func(g *Guard) { g.recorder = r }
}

// WithClock は現在時刻の取得方法を設定する。テストで時刻を固定するために使う。
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// WithTracerProvider はスパンを生成するトレーサープロバイダを設定する。
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(g *Guard) { g.tracer = tp.Tracer(tracerName) }
}

// New は新しいGuardを生成する。
func New(store CredentialStore, emitter Emitter, opts ...Option) *Guard {
	g := &Guard{
		store:      store,
		emitter:    emitter,
		logger:     slog.Default(),
		classifier: telemetry.DefaultClassifier(),
		recorder:   nopRecorder{},
		now:        time.Now,
		tracer:     otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// requestState は1リクエストの処理経過。
type requestState struct {
	route string
	key   *apikey.Record
	err   *Error
}

// Protect はルート設定に従ってハンドラを保護するGinハンドラを返す。
//
// セキュリティイベントの発行とメトリクスの記録は、応答を書き込んだ後に遅延実行で行う。
// Emitter.Emit はキューに積むだけでブロックしないため、応答の確定前に発行した場合と
// 呼び出し元から見た振る舞いは変わらない。発行がブロックする実装に差し替える場合は
// この順序を見直すこと。
func (g *Guard) Protect(route Route, h Handler) gin.HandlerFunc {
	cors := middleware.PublicCORS(route.corsMethods()...)

	return func(c *gin.Context) {
		middleware.SetCORSHeaders(c, cors)
		st := &requestState{route: routeLabel(c)}

		defer func() {
			if r := recover(); r != nil {
				g.logger.ErrorContext(c.Request.Context(), "保護されたルートでパニックが発生しました",
					"route", st.route, "panic", r)
				st.err = errInternal(fmt.Errorf("panic: %v", r))
				if !c.Writer.Written() {
					writeError(c, st.err)
				}
				c.Abort()
			}
			g.finish(c, st)
		}()

		credential, ok := apikey.Extract(c.Request)
		if !ok {
			st.err = errMissingCredential()
			writeError(c, st.err)
			return
		}

		if st.err = g.admit(c, route, credential, st); st.err != nil {
			writeError(c, st.err)
			return
		}

		c.Set(contextKeyRecord, st.key)
		if err := h(c, st.key); err != nil {
			g.logger.ErrorContext(c.Request.Context(), "ハンドラがエラーを返しました",
				"route", st.route, "api_key", st.key.ShortID, "error", err)
			st.err = errInternal(err)
			if !c.Writer.Written() {
				writeError(c, st.err)
			}
		}
	}
}

// Preflight はルートのOPTIONSリクエストに204で応答するハンドラを返す。
func (g *Guard) Preflight(route Route) gin.HandlerFunc {
	cors := middleware.PublicCORS(route.corsMethods()...)
	return func(c *gin.Context) {
		middleware.SetCORSHeaders(c, cors)
		c.AbortWithStatus(http.StatusNoContent)
	}
}

// admit は検証・権限確認・レート制限を行い、通過した場合は使用量を加算する。
func (g *Guard) admit(c *gin.Context, route Route, credential string, st *requestState) *Error {
	ctx := c.Request.Context()

	rec, err := g.validate(ctx, credential)
	if err != nil {
		if !errors.Is(err, apikey.ErrNotFound) {
			g.logger.WarnContext(ctx, "APIキーの検証でストアエラーが発生しました", "route", st.route, "error", err)
		}
		return errFromValidation(err)
	}
	st.key = rec

	now := g.now()
	if err := rec.Status(now); err != nil {
		return errFromStatus(err)
	}

	if route.Permission != "" {
		if res := permission.Check(rec.Capabilities, route.Permission); !res.Allowed {
			return errForbidden(res)
		}
	}

	if route.SkipRateLimit {
		return nil
	}
	if d := ratelimit.Check(rec.Quota, rec.Usage, rec.Anchors, now); !d.Allowed {
		return errRateLimited(d)
	}

	if err := g.increment(ctx, credential); err != nil {
		g.logger.WarnContext(ctx, "使用量の加算に失敗しました", "route", st.route, "api_key", rec.ShortID, "error", err)
	}
	return nil
}

// validate はスパンとメトリクスを付けてストアの検証を呼び出す。
func (g *Guard) validate(ctx context.Context, credential string) (*apikey.Record, error) {
	ctx, span := g.tracer.Start(ctx, "apiauth.validate")
	defer span.End()

	start := time.Now()
	rec, err := g.store.Validate(ctx, credential)
	g.recorder.ObserveStore("validate", time.Since(start))

	switch {
	case err == nil && rec == nil:
		err = apikey.ErrNotFound
		span.SetAttributes(attribute.Bool("apikey.found", false))
	case errors.Is(err, apikey.ErrNotFound):
		span.SetAttributes(attribute.Bool("apikey.found", false))
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "validate failed")
	default:
		span.SetAttributes(
			attribute.Bool("apikey.found", true),
			attribute.String("apikey.short_id", rec.ShortID),
			attribute.String("apikey.environment", string(rec.Environment)),
		)
	}
	return rec, err
}

// increment はスパンとメトリクスを付けて使用量を加算する。
func (g *Guard) increment(ctx context.Context, credential string) error {
	ctx, span := g.tracer.Start(ctx, "apiauth.increment")
	defer span.End()

	start := time.Now()
	err := g.store.IncrementUsage(ctx, credential)
	g.recorder.ObserveStore("increment", time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "increment failed")
	}
	return err
}

// finish は終端状態を分類してイベントを発行し、メトリクスを記録する。
func (g *Guard) finish(c *gin.Context, st *requestState) {
	o := telemetry.Outcome{
		Kind:    telemetry.OutcomeSuccess,
		Request: requestInfo(c),
		Key:     st.key,
		Reason:  "API key authenticated",
		At:      g.now(),
	}
	o.Details = map[string]any{"route": st.route}
	if st.err != nil {
		o.Kind = st.err.Kind.outcome()
		o.Reason = st.err.Message
		maps.Copy(o.Details, st.err.events)
	}

	g.emitter.Emit(g.classifier.Classify(o)...)
	g.recorder.RecordOutcome(st.route, o.Kind.String())
}

// KeyFromContext はProtectが検証したレコードを取り出す。
func KeyFromContext(c *gin.Context) (*apikey.Record, bool) {
	v, ok := c.Get(contextKeyRecord)
	if !ok {
		return nil, false
	}
	rec, ok := v.(*apikey.Record)
	return rec, ok
}

func routeLabel(c *gin.Context) string {
	if p := c.FullPath(); p != "" {
		return p
	}
	return c.Request.URL.Path
}

func requestInfo(c *gin.Context) telemetry.RequestInfo {
	return telemetry.RequestInfo{
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
		URL:       c.Request.URL.String(),
		Method:    c.Request.Method,
	}
}
