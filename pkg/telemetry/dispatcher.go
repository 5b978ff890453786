package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Observer はディスパッチャの内部状態を観測するフック。
type Observer interface {
	// TelemetryDropped はキューが満杯でイベントを破棄した時に呼ばれる。
	TelemetryDropped()
	// TelemetrySinkFailed はシンクへの記録が失敗した時に呼ばれる。
	TelemetrySinkFailed()
}

type nopObserver struct{}

func (nopObserver) TelemetryDropped()    {}
func (nopObserver) TelemetrySinkFailed() {}

// Dispatcher はイベントを有界キューに積み、バックグラウンドのワーカーでシンクに配送する。
// Emit は決してブロックせず、シンクのエラーは記録されるだけで呼び出し元には返らない。
type Dispatcher struct {
	sink     Sink
	logger   *slog.Logger
	observer Observer
	timeout  time.Duration

	queue chan SecurityEvent
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// DispatcherOption はDispatcherの設定を変更する。
type DispatcherOption func(*dispatcherConfig)

type dispatcherConfig struct {
	queueSize int
	workers   int
	timeout   time.Duration
	logger    *slog.Logger
	observer  Observer
}

// WithQueueSize はキューの容量を設定する。
func WithQueueSize(n int) DispatcherOption {
	return func(c *dispatcherConfig) { c.queueSize = n }
}

// WithWorkers は配送ワーカー数を設定する。
func WithWorkers(n int) DispatcherOption {
	return func(c *dispatcherConfig) { c.workers = n }
}

// WithSinkTimeout は1イベントあたりのシンク呼び出しのタイムアウトを設定する。
func WithSinkTimeout(d time.Duration) DispatcherOption {
	return func(c *dispatcherConfig) { c.timeout = d }
}

// WithLogger はロガーを設定する。
func WithLogger(l *slog.Logger) DispatcherOption {
	return func(c *dispatcherConfig) { c.logger = l }
}

// WithObserver は破棄・失敗を通知するフックを設定する。
func WithObserver(o Observer) DispatcherOption {
	return func(c *dispatcherConfig) { c.observer = o }
}

// NewDispatcher はディスパッチャを生成し、ワーカーを起動する。
func NewDispatcher(sink Sink, opts ...DispatcherOption) *Dispatcher {
	cfg := dispatcherConfig{
		queueSize: 1024,
		workers:   2,
		timeout:   5 * time.Second,
		logger:    slog.Default(),
		observer:  nopObserver{},
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.queueSize < 1 {
		cfg.queueSize = 1
	}
	if cfg.workers < 1 {
		cfg.workers = 1
	}

	d := &Dispatcher{
		sink:     sink,
		logger:   cfg.logger,
		observer: cfg.observer,
		timeout:  cfg.timeout,
		queue:    make(chan SecurityEvent, cfg.queueSize),
	}
	for range cfg.workers {
		d.wg.Add(1)
		go d.run()
	}
	return d
}

// Emit はイベントをキューに積む。キューが満杯、またはクローズ済みの場合は破棄する。
func (d *Dispatcher) Emit(events ...SecurityEvent) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, ev := range events {
		if d.closed {
			d.observer.TelemetryDropped()
			continue
		}
		select {
		case d.queue <- ev:
		default:
			d.observer.TelemetryDropped()
			d.logger.Warn("セキュリティイベントのキューが満杯のため破棄しました",
				"event_type", ev.EventType, "event_id", ev.ID)
		}
	}
}

// Close は新規のEmitを止め、キューに残ったイベントの配送完了を待つ。
// ctxが先に終了した場合はその時点でエラーを返す。
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("セキュリティイベントの配送が完了する前にタイムアウトしました"), ctx.Err())
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for ev := range d.queue {
		d.deliver(ev)
	}
}

// deliver は1件のイベントをシンクに渡す。パニックも含めて失敗はここで握りつぶす。
func (d *Dispatcher) deliver(ev SecurityEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			d.observer.TelemetrySinkFailed()
			d.logger.Error("セキュリティイベントのシンクでパニックが発生しました", "panic", r, "event_id", ev.ID)
		}
	}()

	if err := d.sink.RecordSecurityEvent(ctx, ev); err != nil {
		d.observer.TelemetrySinkFailed()
		d.logger.Warn("セキュリティイベントの記録に失敗しました",
			"event_type", ev.EventType, "event_id", ev.ID, "error", err)
	}
}
