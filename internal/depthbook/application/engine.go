package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc"
	"github.com/wyfcoding/depthbook/internal/depthbook/domain"
)

// envelope 队列中的一条命令。reply 非空时消费者回传结果（容量为 1，不会阻塞消费者）。
type envelope struct {
	cmd   Command
	reply chan Result
}

// OrderbookEngine 持有固定市场集合的订单簿，经有界队列串行应用变更，读者可并发获取快照。
type OrderbookEngine struct {
	books   map[domain.MarketID]*domain.Orderbook
	markets []domain.MarketID

	lanes  []chan envelope
	laneOf map[domain.MarketID]int

	opts   options
	logger *slog.Logger
	sink   domain.EventSink

	mu      sync.RWMutex // 保护 started/closed，并与关闭队列互斥
	started bool
	closed  bool

	quit      chan struct{} // 关闭后释放阻塞中的发送方
	abort     chan struct{} // 不排空模式下通知消费者丢弃剩余命令
	done      chan struct{}
	closeOnce sync.Once
	wg        conc.WaitGroup

	applied    atomic.Uint64
	notFound   atomic.Uint64
	rejected   atomic.Uint64
	discarded  atomic.Uint64
	sinkPanics atomic.Uint64
}

// NewOrderbookEngine 创建引擎。市场集合在此固定，不能为空也不能重复。
func NewOrderbookEngine(markets []domain.MarketID, opts ...Option) (*OrderbookEngine, error) {
	if len(markets) == 0 {
		return nil, errors.New("at least one market is required")
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	e := &OrderbookEngine{
		books:  make(map[domain.MarketID]*domain.Orderbook, len(markets)),
		laneOf: make(map[domain.MarketID]int, len(markets)),
		opts:   o,
		logger: o.logger.With("module", "orderbook_engine"),
		sink:   o.sink,
		quit:   make(chan struct{}),
		abort:  make(chan struct{}),
		done:   make(chan struct{}),
	}

	for _, id := range markets {
		if _, dup := e.books[id]; dup {
			return nil, fmt.Errorf("duplicate market %d", id)
		}
		e.books[id] = domain.NewOrderbook(id)
		e.markets = append(e.markets, id)
	}
	slices.Sort(e.markets)

	switch o.dispatch {
	case DispatchPerMarket:
		for i, id := range e.markets {
			e.lanes = append(e.lanes, make(chan envelope, o.capacity))
			e.laneOf[id] = i
		}
	default:
		e.lanes = []chan envelope{make(chan envelope, o.capacity)}
		for _, id := range e.markets {
			e.laneOf[id] = 0
		}
	}

	return e, nil
}

// Start 启动消费协程
func (e *OrderbookEngine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrPipelineClosed
	}
	if e.started {
		return ErrEngineStarted
	}
	e.started = true

	for i, lane := range e.lanes {
		e.wg.Go(func() {
			e.consume(i, lane)
		})
	}
	go func() {
		e.wg.Wait()
		close(e.done)
	}()

	e.logger.Info("orderbook engine started",
		"markets", len(e.markets),
		"dispatch", e.opts.dispatch.String(),
		"capacity", e.opts.capacity,
	)
	return nil
}

// Send 校验并入队。队列满时阻塞，ctx 结束则返回同时包裹 ErrBackpressure 与 ctx 错误的 error。
func (e *OrderbookEngine) Send(ctx context.Context, cmd Command) error {
	return e.enqueue(ctx, envelope{cmd: cmd}, true)
}

// TrySend 非阻塞入队，队列满时返回 ErrBackpressure
func (e *OrderbookEngine) TrySend(cmd Command) error {
	return e.enqueue(context.Background(), envelope{cmd: cmd}, false)
}

// Submit 入队并等待消费者应用后的结果
func (e *OrderbookEngine) Submit(ctx context.Context, cmd Command) (Result, error) {
	reply := make(chan Result, 1)
	if err := e.enqueue(ctx, envelope{cmd: cmd, reply: reply}, true); err != nil {
		return Result{Status: ResultRejected, Err: err}, err
	}

	select {
	case res := <-reply:
		return res, res.Err
	case <-ctx.Done():
		return Result{}, fmt.Errorf("waiting for result: %w", ctx.Err())
	}
}

func (e *OrderbookEngine) enqueue(ctx context.Context, env envelope, block bool) error {
	lane, err := e.admit(env.cmd)
	if err != nil {
		e.rejected.Add(1)
		e.emitRejected(env.cmd, err)
		return err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return ErrPipelineClosed
	}
	select {
	case <-e.quit:
		return ErrPipelineClosed
	default:
	}

	ch := e.lanes[lane]
	select {
	case ch <- env:
		return nil
	default:
	}
	if !block {
		return fmt.Errorf("%w: capacity %d", ErrBackpressure, cap(ch))
	}

	select {
	case ch <- env:
		return nil
	case <-e.quit:
		return ErrPipelineClosed
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrBackpressure, ctx.Err())
	}
}

// admit 同步校验与路由，返回目标队列下标
func (e *OrderbookEngine) admit(cmd Command) (int, error) {
	if err := cmd.Validate(); err != nil {
		return 0, err
	}
	lane, ok := e.laneOf[cmd.MarketID]
	if !ok {
		return 0, &RoutingError{MarketID: cmd.MarketID}
	}
	return lane, nil
}

func (e *OrderbookEngine) consume(lane int, ch chan envelope) {
	for env := range ch {
		select {
		case <-e.abort:
			e.discard(env)
			continue
		default:
		}

		res := e.apply(env.cmd)
		if env.reply != nil {
			env.reply <- res
		}
	}
	e.logger.Debug("consumer exited", "lane", lane)
}

func (e *OrderbookEngine) discard(env envelope) {
	e.discarded.Add(1)
	if env.reply != nil {
		env.reply <- Result{Status: ResultRejected, Err: ErrPipelineClosed}
	}
}

// apply 在消费协程内应用单条命令。panic 被恢复并按拒绝处理，消费者继续运行。
func (e *OrderbookEngine) apply(cmd Command) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("recovered panic while applying command",
				"panic", r,
				"action", cmd.Action,
				"market_id", cmd.MarketID,
				"order_id", cmd.OrderID,
				"stack", string(debug.Stack()),
			)
			res = e.reject(cmd, fmt.Errorf("%w: %v", ErrApplyPanic, r))
		}
	}()

	book := e.books[cmd.MarketID]

	var (
		m   domain.Mutation
		err error
	)
	switch cmd.Action {
	case ActionPlace:
		m, err = book.AddOrder(cmd.OrderID, cmd.side(), cmd.Price.Decimal, cmd.Size.Decimal, cmd.Timestamp)
	case ActionModify:
		m, err = book.ModifyOrder(cmd.OrderID, cmd.side(), cmd.Price.Decimal, cmd.Size.Decimal, cmd.Timestamp)
	case ActionCancel:
		var ok bool
		if m, ok = book.CancelOrder(cmd.OrderID); !ok {
			e.notFound.Add(1)
			ev := domain.NewEvent(domain.EventNotFound, cmd.MarketID, cmd.OrderID)
			ev.Action = string(cmd.Action)
			e.publish(ev)
			return Result{Status: ResultNotFound}
		}
	}
	if err != nil {
		return e.reject(cmd, err)
	}

	e.applied.Add(1)
	e.emitApplied(cmd, m)
	return Result{
		Status:       ResultApplied,
		Sequence:     m.Sequence,
		LevelRemoved: m.LevelRemoved(),
		Replaced:     m.Replaced,
	}
}

func (e *OrderbookEngine) reject(cmd Command, err error) Result {
	e.rejected.Add(1)
	e.emitRejected(cmd, err)
	return Result{Status: ResultRejected, Err: err}
}

func (e *OrderbookEngine) emitApplied(cmd Command, m domain.Mutation) {
	ev := domain.NewEvent(domain.EventAccepted, cmd.MarketID, cmd.OrderID)
	ev.Action = string(cmd.Action)
	ev.Sequence = m.Sequence
	if cmd.Action != ActionCancel {
		ev.Side = cmd.side()
		ev.Price = cmd.Price.Decimal
	}
	e.publish(ev)

	if m.Emptied != nil {
		lv := domain.NewEvent(domain.EventLevelEmptied, cmd.MarketID, cmd.OrderID)
		lv.Action = string(cmd.Action)
		lv.Sequence = m.Sequence
		lv.Side = m.Emptied.Side
		lv.Price = m.Emptied.Price
		e.publish(lv)
	}
}

func (e *OrderbookEngine) emitRejected(cmd Command, err error) {
	ev := domain.NewEvent(domain.EventRejected, cmd.MarketID, cmd.OrderID)
	ev.Action = string(cmd.Action)
	ev.Reason = err.Error()
	e.publish(ev)
}

// publish 隔离事件出口的 panic：事件是观测副作用，不能改变已应用命令的结果，也不能拖垮消费者。
func (e *OrderbookEngine) publish(ev domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.sinkPanics.Add(1)
			e.logger.Error("recovered panic in event sink",
				"panic", r,
				"event", ev.Type,
				"market_id", ev.MarketID,
				"order_id", ev.OrderID,
			)
		}
	}()
	e.sink.Publish(ev)
}

// Shutdown 停止接收命令。默认排空已入队命令；关闭排空时丢弃剩余命令，
// 等待结果的调用方收到 ErrPipelineClosed。ctx 先结束时返回 ctx 错误。
func (e *OrderbookEngine) Shutdown(ctx context.Context) error {
	e.closeOnce.Do(func() {
		close(e.quit)
		if !e.opts.drain {
			close(e.abort)
		}

		e.mu.Lock()
		e.closed = true
		started := e.started
		for _, ch := range e.lanes {
			close(ch)
		}
		e.mu.Unlock()

		e.logger.Info("orderbook engine shutting down",
			"drain", e.opts.drain,
			"queued", e.QueueLen(),
		)

		if !started {
			// 从未启动，直接在当前协程处理积压
			for i, ch := range e.lanes {
				e.consume(i, ch)
			}
			close(e.done)
		}
	})

	select {
	case <-e.done:
		e.logger.Info("orderbook engine stopped",
			"applied", e.applied.Load(),
			"discarded", e.discarded.Load(),
		)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine shutdown: %w", ctx.Err())
	}
}

// Done 所有消费者退出后关闭
func (e *OrderbookEngine) Done() <-chan struct{} {
	return e.done
}

// Accepting 引擎是否仍接收命令
func (e *OrderbookEngine) Accepting() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.started && !e.closed
}

// Orderbook 返回市场对应的订单簿，供只读查询使用
func (e *OrderbookEngine) Orderbook(id domain.MarketID) (*domain.Orderbook, bool) {
	b, ok := e.books[id]
	return b, ok
}

// Snapshot 读取指定市场的深度快照，可与消费者并发
func (e *OrderbookEngine) Snapshot(id domain.MarketID, depth int) (domain.Snapshot, error) {
	b, ok := e.books[id]
	if !ok {
		return domain.Snapshot{}, &RoutingError{MarketID: id}
	}
	return b.Snapshot(depth), nil
}

// Markets 升序返回已注册市场
func (e *OrderbookEngine) Markets() []domain.MarketID {
	return slices.Clone(e.markets)
}

// QueueLen 所有队列中待处理的命令数
func (e *OrderbookEngine) QueueLen() int {
	n := 0
	for _, ch := range e.lanes {
		n += len(ch)
	}
	return n
}

func (e *OrderbookEngine) Stats() Stats {
	return Stats{
		Markets:       len(e.markets),
		Lanes:         len(e.lanes),
		QueueLen:      e.QueueLen(),
		QueueCapacity: e.opts.capacity * len(e.lanes),
		Applied:       e.applied.Load(),
		NotFound:      e.notFound.Load(),
		Rejected:      e.rejected.Load(),
		Discarded:     e.discarded.Load(),
		SinkPanics:    e.sinkPanics.Load(),
		Accepting:     e.Accepting(),
	}
}
