package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// 伝播するキー情報のヘッダー名。
const (
	HeaderKeyID          = "X-API-Key-Id"
	HeaderKeyEnvironment = "X-API-Key-Environment"
)

// maxErrorBody はエラー時に保持するレスポンスボディの最大長。
const maxErrorBody = 4096

// Client はバックエンド通信用のHTTPクライアント。
type Client struct {
	// httpClient は内部で使用するHTTPクライアント。
	httpClient *http.Client
	// baseURL は接続先のベースURL。
	baseURL string
	// authorization はすべてのリクエストに付与するAuthorizationヘッダーの値。
	authorization string
}

// Option はClientの設定を変更する。
type Option func(*Client)

// DefaultTimeout はWithTimeoutを指定しない場合のリクエストのタイムアウト。
const DefaultTimeout = 30 * time.Second

// WithTimeout はリクエストのタイムアウトを設定する。0以下の場合は既定値のまま。
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithAuthorization はすべてのリクエストに付与するAuthorizationヘッダーを設定する。
func WithAuthorization(value string) Option {
	return func(c *Client) { c.authorization = value }
}

// New は新しいHTTPクライアントを生成する。
// baseURLには接続先のベースURL（例: "https://happy-otter-123.convex.cloud"）を指定する。
// トランスポートはOpenTelemetryで計装され、トレースコンテキストを伝播する。
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StatusError は2xx以外のレスポンスを表す。
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTPエラー: status=%d, body=%s", e.StatusCode, e.Body)
}

// PostJSON は指定パスにJSONボディでPOSTリクエストを送信する。
// レスポンスボディをresultにデシリアライズする。
func (c *Client) PostJSON(ctx context.Context, path string, body any, result any) error {
	return c.doJSON(ctx, http.MethodPost, path, body, result)
}

// Do は任意のボディでリクエストを送信し、レスポンスをそのまま返す。
// ステータスコードの判定と Body のクローズは呼び出し側が行う。
func (c *Client) Do(ctx context.Context, method, pathAndQuery string, body io.Reader, header http.Header) (*http.Response, error) {
	req, err := c.newRequest(ctx, method, pathAndQuery, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの送信に失敗: %w", err)
	}
	return resp, nil
}

// doJSON はJSON形式のHTTPリクエストを実行する共通処理。
func (c *Client) doJSON(ctx context.Context, method, path string, body any, result any) error {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("リクエストボディのシリアライズに失敗: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := c.newRequest(ctx, method, path, bodyReader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの送信に失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("レスポンスボディのデシリアライズに失敗: %w", err)
		}
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗: %w", err)
	}
	if c.authorization != "" {
		req.Header.Set("Authorization", c.authorization)
	}
	// コンテキストから検証済みキーの情報を伝播する
	if id, ok := ctx.Value(contextKeyKeyID).(string); ok {
		req.Header.Set(HeaderKeyID, id)
	}
	if env, ok := ctx.Value(contextKeyEnvironment).(string); ok {
		req.Header.Set(HeaderKeyEnvironment, env)
	}
	return req, nil
}

// contextKey はコンテキストキーの型。
type contextKey string

const (
	contextKeyKeyID       contextKey = "api_key_id"
	contextKeyEnvironment contextKey = "api_key_environment"
)

// WithKeyIdentity はコンテキストに検証済みキーの公開IDと環境を設定する。
// バックエンドへの転送時にヘッダーとして伝播される。
func WithKeyIdentity(ctx context.Context, shortID, environment string) context.Context {
	ctx = context.WithValue(ctx, contextKeyKeyID, shortID)
	return context.WithValue(ctx, contextKeyEnvironment, environment)
}
