package control

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

type State int32

const (
	StateStopped State = iota
	StateRunning
	StateStopping
)

const defaultInbox = 64

type envelope struct {
	ctx   context.Context
	msg   *types.ControlMessage
	reply chan *types.ControlReply
}

// Channel is the control actor: commands are processed one at a time in
// arrival order, whatever transport delivered them.
type Channel struct {
	handler types.ControlHandler
	logger  types.Logger
	metrics types.MetricsManager

	inbox chan envelope
	state atomic.Value
	quit  chan struct{}
	done  chan struct{}
}

func NewChannel(handler types.ControlHandler, config *types.ControlConfig, logger types.Logger, metrics types.MetricsManager) *Channel {
	size := defaultInbox
	if config != nil && config.Inbox > 0 {
		size = config.Inbox
	}

	c := &Channel{
		handler: handler,
		logger:  logger,
		metrics: metrics,
		inbox:   make(chan envelope, size),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	c.state.Store(StateStopped)

	return c
}

// Start launches the actor. A stopped channel cannot be started again.
func (c *Channel) Start() error {
	select {
	case <-c.done:
		return types.ErrChannelClosed
	default:
	}

	if !c.transitionState(StateStopped, StateRunning) {
		return types.ErrServerAlreadyRunning
	}

	go c.loop()

	c.logger.Info("Control channel started", zap.Int("inbox", cap(c.inbox)))
	return nil
}

func (c *Channel) Stop() error {
	if !c.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer c.setState(StateStopped)

	close(c.quit)
	<-c.done

	c.logger.Info("Control channel stopped")
	return nil
}

func (c *Channel) IsRunning() bool {
	return c.getState() == StateRunning
}

// Send delivers msg to the actor and waits for its reply. A message without
// an id gets one assigned.
func (c *Channel) Send(ctx context.Context, msg *types.ControlMessage) (*types.ControlReply, error) {
	if !c.IsRunning() {
		return nil, types.ErrChannelClosed
	}

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}

	env := envelope{ctx: ctx, msg: msg, reply: make(chan *types.ControlReply, 1)}

	select {
	case c.inbox <- env:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.quit:
		return nil, types.ErrChannelClosed
	}

	select {
	case reply := <-env.reply:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		select {
		case reply := <-env.reply:
			return reply, nil
		default:
			return nil, types.ErrChannelClosed
		}
	}
}

func (c *Channel) loop() {
	defer close(c.done)

	for {
		select {
		case <-c.quit:
			c.drain()
			return
		case env := <-c.inbox:
			env.reply <- c.handle(env.ctx, env.msg)
		}
	}
}

// drain answers whatever is still queued so no sender waits forever.
func (c *Channel) drain() {
	for {
		select {
		case env := <-c.inbox:
			env.reply <- failure(env.msg.ID, types.ErrChannelClosed)
		default:
			return
		}
	}
}

func (c *Channel) handle(ctx context.Context, msg *types.ControlMessage) *types.ControlReply {
	start := time.Now()

	if ctx.Err() != nil {
		return failure(msg.ID, ctx.Err())
	}

	result, err := c.dispatch(ctx, msg)

	outcome := "ok"
	if err != nil {
		outcome = errorCode(err)
		c.logger.Warn("Control command failed",
			zap.String("id", msg.ID),
			zap.String("command", msg.Command),
			zap.Error(err))
	} else {
		c.logger.Debug("Control command handled",
			zap.String("id", msg.ID),
			zap.String("command", msg.Command),
			zap.Duration("duration", time.Since(start)))
	}
	c.recordMetric(msg.Command, outcome, time.Since(start))

	if err != nil {
		return failure(msg.ID, err)
	}
	return &types.ControlReply{ID: msg.ID, OK: true, Result: result}
}

func (c *Channel) dispatch(ctx context.Context, msg *types.ControlMessage) (interface{}, error) {
	switch msg.Command {
	case types.CommandSkipWait:
		return c.handler.SkipWaiting(ctx)

	case types.CommandGetStats:
		return c.handler.Stats(ctx)

	case types.CommandClearCache:
		var payload types.ClearCachePayload
		if err := decodePayload(msg.Payload, &payload, false); err != nil {
			return nil, err
		}

		cleared, err := c.handler.ClearCache(ctx, payload.Bucket)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"cleared": cleared}, nil

	case types.CommandPreloadAssets:
		var payload types.PreloadPayload
		if err := decodePayload(msg.Payload, &payload, true); err != nil {
			return nil, err
		}
		if len(payload.URLs) == 0 {
			return nil, types.Errorf(types.ErrCommandPayload, "urls must not be empty")
		}

		stored, err := c.handler.Preload(ctx, payload.URLs)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"stored": stored}, nil

	case types.CommandReplaySync:
		return c.handler.ReplaySync(ctx)

	default:
		return nil, types.Errorf(types.ErrCommandUnknown, "command %q", msg.Command)
	}
}

func decodePayload[T any](raw json.RawMessage, target *T, required bool) error {
	if len(raw) == 0 || string(raw) == "null" {
		if required {
			return types.Errorf(types.ErrCommandPayload, "payload is required")
		}
		return nil
	}

	if err := utils.Unmarshal(raw, target); err != nil {
		return types.Errorf(types.ErrCommandPayload, "%v", err)
	}
	return nil
}

func failure(id string, err error) *types.ControlReply {
	return &types.ControlReply{
		ID: id,
		Error: &types.ControlError{
			Code:    errorCode(err),
			Message: err.Error(),
		},
	}
}

func errorCode(err error) string {
	switch {
	case types.IsError(err, types.ErrCommandUnknown):
		return "unknown_command"
	case types.IsError(err, types.ErrCommandPayload):
		return "invalid_payload"
	case types.IsError(err, types.ErrNoWaitingGeneration):
		return "no_waiting_generation"
	case types.IsError(err, types.ErrGenerationNotFound):
		return "no_generation"
	case types.IsError(err, types.ErrBucketNotFound):
		return "bucket_not_found"
	case types.IsError(err, types.ErrPreloadFailed):
		return "preload_failed"
	case types.IsError(err, types.ErrChannelClosed):
		return "channel_closed"
	case types.IsError(err, context.Canceled), types.IsError(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "internal"
	}
}

func (c *Channel) recordMetric(command, outcome string, duration time.Duration) {
	if c.metrics == nil {
		return
	}

	c.metrics.Counter("control_commands_total", map[string]string{
		"command": command,
		"outcome": outcome,
	}).Inc()

	c.metrics.Histogram("control_command_duration_seconds",
		[]float64{0.001, 0.01, 0.1, 1.0, 5.0, 30.0},
		map[string]string{"command": command},
	).Observe(duration.Seconds())
}

func (c *Channel) getState() State {
	return c.state.Load().(State)
}

func (c *Channel) setState(newState State) bool {
	currentState := c.getState()
	return c.state.CompareAndSwap(currentState, newState)
}

func (c *Channel) transitionState(from, to State) bool {
	return c.state.CompareAndSwap(from, to)
}
