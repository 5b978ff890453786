package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nao1215/tradegate/pkg/apikey"
	"github.com/nao1215/tradegate/pkg/migration"
	"github.com/nao1215/tradegate/pkg/ratelimit"
	"github.com/nao1215/tradegate/pkg/telemetry"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore はSQLiteにレコードとイベントを保持するバックエンド。
// 使用量の加算はトランザクション内で読み込みと更新を行う。
type SQLiteStore struct {
	db   *sql.DB
	opts options
}

// OpenSQLite はDSNでSQLiteを開き、マイグレーションを適用する。
// ":memory:" を指定した場合は接続を1本に制限する。
func OpenSQLite(ctx context.Context, dsn string, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	if strings.HasPrefix(dsn, ":memory:") {
		db.SetMaxOpenConns(1)
	}
	s, err := NewSQLiteStore(ctx, db, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore は既存の接続にマイグレーションを適用してSQLiteStoreを生成する。
func NewSQLiteStore(ctx context.Context, db *sql.DB, opts ...Option) (*SQLiteStore, error) {
	o := applyOptions(opts)
	if _, err := migration.Run(ctx, db, migrationsFS, "migrations", o.logger); err != nil {
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}
	return &SQLiteStore{db: db, opts: o}, nil
}

// Close はデータベース接続を閉じる。
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const selectRecord = `
SELECT id, short_id, name, environment, is_active, is_revoked, expires_at, permissions,
       per_minute, per_hour, per_day, burst_limit,
       usage_minute, usage_hour, usage_day, usage_burst,
       window_minute, window_hour, window_day, window_burst, last_used_at
FROM api_keys WHERE digest = ?`

// Validate はダイジェストでレコードを検索する。
func (s *SQLiteStore) Validate(ctx context.Context, credential string) (*apikey.Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, selectRecord, apikey.Digest(credential)))
	if err != nil {
		return nil, fmt.Errorf("APIキーの検索に失敗: %w", err)
	}
	return rec, nil
}

// IncrementUsage は時間窓のリセットを適用してから4つのカウンタを加算する。
func (s *SQLiteStore) IncrementUsage(ctx context.Context, credential string) error {
	digest := apikey.Digest(credential)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	rec, err := scanRecord(tx.QueryRowContext(ctx, selectRecord, digest))
	if err != nil {
		return fmt.Errorf("APIキーの検索に失敗: %w", err)
	}

	now := s.opts.now()
	usage, anchors := ratelimit.Increment(rec.Usage, rec.Anchors, now)
	if _, err := tx.ExecContext(ctx, `
		UPDATE api_keys SET
			usage_minute = ?, usage_hour = ?, usage_day = ?, usage_burst = ?,
			window_minute = ?, window_hour = ?, window_day = ?, window_burst = ?,
			last_used_at = ?
		WHERE digest = ?`,
		usage.Minute, usage.Hour, usage.Day, usage.Burst,
		unixMilli(anchors.Minute), unixMilli(anchors.Hour), unixMilli(anchors.Day), unixMilli(anchors.Burst),
		now.UnixMilli(), digest,
	); err != nil {
		return fmt.Errorf("使用量の更新に失敗: %w", err)
	}
	return tx.Commit()
}

// Put はsecretに対応するレコードを登録する。既存のレコードは置き換える。
func (s *SQLiteStore) Put(ctx context.Context, secret string, rec *apikey.Record) error {
	perms, err := json.Marshal(nonNil(rec.Capabilities))
	if err != nil {
		return fmt.Errorf("権限のシリアライズに失敗: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO api_keys (
			digest, id, short_id, name, environment, is_active, is_revoked, expires_at, permissions,
			per_minute, per_hour, per_day, burst_limit,
			usage_minute, usage_hour, usage_day, usage_burst,
			window_minute, window_hour, window_day, window_burst, last_used_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		apikey.Digest(secret), rec.ID, rec.ShortID, rec.Name, string(rec.Environment),
		rec.IsActive, rec.IsRevoked, nullableMilli(rec.ExpiresAt), string(perms),
		rec.Quota.PerMinute, rec.Quota.PerHour, rec.Quota.PerDay, rec.Quota.Burst,
		rec.Usage.Minute, rec.Usage.Hour, rec.Usage.Day, rec.Usage.Burst,
		unixMilli(rec.Anchors.Minute), unixMilli(rec.Anchors.Hour), unixMilli(rec.Anchors.Day), unixMilli(rec.Anchors.Burst),
		nullableMilli(rec.LastUsedAt), s.opts.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("APIキーの保存に失敗: %w", err)
	}
	return nil
}

// CreateAPIKey は新しいキーを発行して保存する。
func (s *SQLiteStore) CreateAPIKey(ctx context.Context, spec NewKey) (Created, error) {
	created, err := spec.build(s.opts.now())
	if err != nil {
		return Created{}, err
	}
	if err := s.Put(ctx, created.Secret, created.Record); err != nil {
		return Created{}, err
	}
	return created, nil
}

// RecordSecurityEvent はイベントを保存する。
func (s *SQLiteStore) RecordSecurityEvent(ctx context.Context, ev telemetry.SecurityEvent) error {
	details, err := json.Marshal(ev.Details)
	if err != nil {
		return fmt.Errorf("イベント詳細のシリアライズに失敗: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO security_events (
			id, event_type, severity, description, details, ip_address, user_agent,
			request_url, request_method, api_key_short_id, environment, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, string(ev.EventType), string(ev.Severity), ev.Description, string(details),
		ev.IPAddress, ev.UserAgent, ev.RequestURL, ev.RequestMethod,
		ev.APIKeyShortID, string(ev.Environment), ev.Timestamp.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("セキュリティイベントの保存に失敗: %w", err)
	}
	return nil
}

// ListSecurityEvents は新しい順にイベントを返す。
func (s *SQLiteStore) ListSecurityEvents(ctx context.Context, limit int) ([]telemetry.SecurityEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, severity, description, details, ip_address, user_agent,
		       request_url, request_method, api_key_short_id, environment, created_at
		FROM security_events ORDER BY created_at DESC, rowid DESC LIMIT ?`, ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("セキュリティイベントの取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []telemetry.SecurityEvent
	for rows.Next() {
		var (
			ev          telemetry.SecurityEvent
			eventType   string
			severity    string
			details     string
			environment string
			createdAt   int64
		)
		if err := rows.Scan(&ev.ID, &eventType, &severity, &ev.Description, &details,
			&ev.IPAddress, &ev.UserAgent, &ev.RequestURL, &ev.RequestMethod,
			&ev.APIKeyShortID, &environment, &createdAt); err != nil {
			return nil, fmt.Errorf("セキュリティイベントの読み込みに失敗: %w", err)
		}
		ev.EventType = telemetry.EventType(eventType)
		ev.Severity = telemetry.Severity(severity)
		ev.Environment = apikey.Environment(environment)
		ev.Timestamp = time.UnixMilli(createdAt).UTC()
		if err := json.Unmarshal([]byte(details), &ev.Details); err != nil {
			return nil, fmt.Errorf("イベント詳細のデシリアライズに失敗: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// rowScanner は *sql.Row と *sql.Rows の共通部分。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*apikey.Record, error) {
	var (
		rec                          apikey.Record
		environment, perms           string
		expiresAt, lastUsedAt        sql.NullInt64
		wMinute, wHour, wDay, wBurst int64
	)
	err := row.Scan(&rec.ID, &rec.ShortID, &rec.Name, &environment, &rec.IsActive, &rec.IsRevoked,
		&expiresAt, &perms,
		&rec.Quota.PerMinute, &rec.Quota.PerHour, &rec.Quota.PerDay, &rec.Quota.Burst,
		&rec.Usage.Minute, &rec.Usage.Hour, &rec.Usage.Day, &rec.Usage.Burst,
		&wMinute, &wHour, &wDay, &wBurst, &lastUsedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apikey.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rec.Environment = apikey.Environment(environment)
	if err := json.Unmarshal([]byte(perms), &rec.Capabilities); err != nil {
		return nil, fmt.Errorf("権限のデシリアライズに失敗: %w", err)
	}
	rec.Anchors = apikey.WindowAnchors{
		Minute: fromUnixMilli(wMinute),
		Hour:   fromUnixMilli(wHour),
		Day:    fromUnixMilli(wDay),
		Burst:  fromUnixMilli(wBurst),
	}
	rec.ExpiresAt = timeFromNull(expiresAt)
	rec.LastUsedAt = timeFromNull(lastUsedAt)
	return &rec, nil
}

func nullableMilli(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timeFromNull(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.UnixMilli(n.Int64).UTC()
	return &t
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
