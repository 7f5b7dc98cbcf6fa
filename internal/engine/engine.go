// Package engine wires the consumers and processing paths into one runnable
// unit.
//
// Each delivered message is processed to completion inside the consumer
// handler, so the consumer commits an offset only after the trade it carries
// is durably applied — a crash redelivers, it never loses. Stripe locks keyed
// by the position's identity keep per-position ordering when the consumer
// delivers concurrently, and the hotpath and coldpath use separate stripes so
// a slow recalculation never blocks live trades.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"tradelot/internal/bus"
	"tradelot/internal/coldpath"
	"tradelot/internal/config"
	"tradelot/internal/hotpath"
	"tradelot/internal/iam"
	"tradelot/internal/validate"
	"tradelot/pkg/types"
)

// Entitlements gates trades that carry a user id. Nil disables the gate.
type Entitlements interface {
	HasAccountAccess(ctx context.Context, userID, account string) bool
}

// Engine runs the trade and backdated-trade pipelines.
type Engine struct {
	cfg      *config.Config
	applier  *hotpath.Applier
	recalc   *coldpath.Recalculator
	consumer bus.Consumer
	pub      bus.Publisher
	ent      Entitlements
	logger   *slog.Logger

	hotStripes  []sync.Mutex
	coldStripes []sync.Mutex

	cancel context.CancelFunc
	group  *errgroup.Group
}

var _ Entitlements = (*iam.Client)(nil)

// New builds the engine. ent may be nil when IAM is disabled.
func New(cfg *config.Config, applier *hotpath.Applier, recalc *coldpath.Recalculator,
	consumer bus.Consumer, pub bus.Publisher, ent Entitlements, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:         cfg,
		applier:     applier,
		recalc:      recalc,
		consumer:    consumer,
		pub:         pub,
		ent:         ent,
		logger:      logger.With("component", "engine"),
		hotStripes:  make([]sync.Mutex, cfg.Workers.Hotpath),
		coldStripes: make([]sync.Mutex, cfg.Workers.Coldpath),
	}
}

// Start launches the consumer loop. It returns once the loop is running;
// errors from the consumer surface through Stop.
func (e *Engine) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	group, groupCtx := errgroup.WithContext(runCtx)
	e.group = group

	group.Go(func() error {
		topics := []string{e.cfg.Topics.Trades, e.cfg.Topics.BackdatedTrades}
		err := e.consumer.Run(groupCtx, topics, e.dispatch)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("consumer: %w", err)
		}
		return nil
	})

	e.logger.Info("engine started",
		"hotpath_stripes", len(e.hotStripes),
		"coldpath_stripes", len(e.coldStripes),
	)
	return nil
}

// Stop cancels the pipelines and waits for in-flight deliveries to drain.
func (e *Engine) Stop() error {
	if e.cancel == nil {
		return nil
	}
	e.cancel()
	err := e.group.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	e.logger.Info("engine stopped")
	return err
}

// dispatch processes one delivered message to completion. A nil return lets
// the consumer commit the offset, so it is returned only for terminal
// outcomes: applied, duplicate, or dead-lettered.
func (e *Engine) dispatch(ctx context.Context, msg bus.Message) error {
	var trade types.TradeEvent
	if err := json.Unmarshal(msg.Value, &trade); err != nil {
		// Undecodable payloads cannot be retried; forward them raw.
		e.logger.Error("undecodable trade payload", "topic", msg.Topic, "error", err)
		e.publishRawDLQ(ctx, msg, err)
		return nil
	}

	if e.ent != nil && trade.UserID != "" {
		if !e.ent.HasAccountAccess(ctx, trade.UserID, trade.Account) {
			e.logger.Warn("trade rejected by entitlements",
				"trade_id", trade.TradeID, "user_id", trade.UserID, "account", trade.Account)
			e.publishDLQ(ctx, trade, "user is not entitled to the account")
			return nil
		}
	}

	if msg.Topic == e.cfg.Topics.BackdatedTrades {
		return e.runCold(ctx, msg, trade)
	}
	return e.runHot(ctx, msg, trade)
}

func (e *Engine) runHot(ctx context.Context, msg bus.Message, trade types.TradeEvent) error {
	mu := &e.hotStripes[e.stripe(msg, trade, len(e.hotStripes))]
	mu.Lock()
	defer mu.Unlock()
	_, err := e.applier.Process(ctx, trade)
	return e.completed(trade, err)
}

func (e *Engine) runCold(ctx context.Context, msg bus.Message, trade types.TradeEvent) error {
	mu := &e.coldStripes[e.stripe(msg, trade, len(e.coldStripes))]
	mu.Lock()
	defer mu.Unlock()
	_, err := e.recalc.Recalculate(ctx, trade)
	return e.completed(trade, err)
}

// completed maps a processing result to the commit decision. Validation
// failures are terminal — the trade is already on the DLQ and redelivery
// would only reject it again — while everything else stays uncommitted for
// redelivery.
func (e *Engine) completed(trade types.TradeEvent, err error) error {
	if err == nil {
		return nil
	}
	var verr *validate.ValidationError
	if errors.As(err, &verr) {
		return nil
	}
	e.logger.Error("trade processing failed, leaving delivery uncommitted",
		"trade_id", trade.TradeID, "error", err)
	return err
}

// stripe maps a message to a lock index. The message key carries the
// position key when the producer set one; otherwise the position identity
// fields stand in, which keeps both directions of one instrument on the same
// stripe across a sign-change split.
func (e *Engine) stripe(msg bus.Message, trade types.TradeEvent, n int) int {
	key := msg.Key
	if key == "" {
		key = trade.Account + "|" + trade.Instrument + "|" + trade.Currency
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

func (e *Engine) publishDLQ(ctx context.Context, trade types.TradeEvent, reason string) {
	msg := types.DLQMessage{Trade: trade, Reasons: []string{reason}, RejectedAt: time.Now()}
	if err := bus.PublishJSON(ctx, e.pub, e.cfg.Topics.DLQ, trade.TradeID, msg); err != nil {
		e.logger.Error("dlq publish failed", "trade_id", trade.TradeID, "error", err)
	}
}

func (e *Engine) publishRawDLQ(ctx context.Context, msg bus.Message, cause error) {
	dlq := map[string]any{
		"raw":         string(msg.Value),
		"topic":       msg.Topic,
		"reasons":     []string{cause.Error()},
		"rejected_at": time.Now(),
	}
	if err := bus.PublishJSON(ctx, e.pub, e.cfg.Topics.DLQ, msg.Key, dlq); err != nil {
		e.logger.Error("dlq publish failed", "topic", msg.Topic, "error", err)
	}
}
