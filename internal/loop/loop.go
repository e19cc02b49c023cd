// Package loop serializes every mutation of the world and the scale engine
// onto one goroutine. Producers stage commands; each tick drains them, runs
// due scheduler callbacks and replicates pending network updates.
package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"entity-scale/server/internal/telemetry"
	"entity-scale/server/logging"
)

const (
	// CommandRejectQueueLimit indicates a command was dropped due to
	// per-source queue throttling.
	CommandRejectQueueLimit = "queue_limit"
	// CommandRejectQueueFull indicates the global command buffer is saturated.
	CommandRejectQueueFull = "queue_full"
)

const (
	metricKeyTicks          = "loop_ticks_total"
	metricKeyCommandsFailed = "loop_commands_failed_total"
	metricKeyCheckpoints    = "loop_checkpoints_total"
)

// ErrRejected is returned by Call when the command could not be staged.
var ErrRejected = errors.New("loop: command rejected")

// Config tunes the command buffer and tick loop orchestration.
type Config struct {
	TickRate           int
	CatchupMaxTicks    int
	CommandCapacity    int
	PerSourceLimit     int
	WarningStep        int
	CheckpointInterval time.Duration
}

// DefaultConfig mirrors the server defaults.
func DefaultConfig() Config {
	return Config{
		TickRate:           15,
		CatchupMaxTicks:    3,
		CommandCapacity:    1024,
		PerSourceLimit:     64,
		WarningStep:        256,
		CheckpointInterval: 5 * time.Minute,
	}
}

// Scheduler runs delayed callbacks that are due.
type Scheduler interface {
	Advance(now time.Time) int
}

// Replicator sends the network updates queued during a tick.
type Replicator interface {
	Flush() int
}

// Deps are the collaborators one tick drives.
type Deps struct {
	Scheduler  Scheduler
	Replicator Replicator
	Clock      logging.Clock
	Logger     telemetry.Logger
	Metrics    telemetry.Metrics
}

// Hooks observe the loop. All of them run on the loop goroutine.
type Hooks struct {
	Prepare        func(TickContext)
	AfterStep      func(StepResult)
	Checkpoint     func(ctx context.Context, now time.Time)
	OnCommandDrop  func(reason string, cmd Command)
	OnQueueWarning func(length int)
}

// TickContext describes the tick about to run.
type TickContext struct {
	Tick  uint64
	Now   time.Time
	Delta float64
}

// StepResult summarizes one tick.
type StepResult struct {
	Tick         uint64
	Now          time.Time
	Delta        float64
	Commands     int
	Failed       int
	Callbacks    int
	Replicated   int
	Checkpointed bool
	Duration     time.Duration
	Budget       time.Duration
	ClampedDelta bool
	MaxDelta     float64
}

// Loop coordinates command ingestion and the fixed-timestep runner.
type Loop struct {
	deps    Deps
	buffer  *CommandBuffer
	hooks   Hooks
	config  Config
	clock   logging.Clock
	logger  telemetry.Logger
	metrics telemetry.Metrics

	tick           atomic.Uint64
	lastCheckpoint time.Time

	queueMu        sync.Mutex
	perSourceCount map[string]int
	dropCounts     map[string]uint64
}

// New wraps deps with a ring-buffer queue and loop.
func New(deps Deps, cfg Config, hooks Hooks) *Loop {
	defaults := DefaultConfig()
	if cfg.TickRate <= 0 {
		cfg.TickRate = defaults.TickRate
	}
	if cfg.CommandCapacity <= 0 {
		cfg.CommandCapacity = defaults.CommandCapacity
	}
	clock := deps.Clock
	if clock == nil {
		clock = logging.SystemClock{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = telemetry.LoggerFunc(nil)
	}
	return &Loop{
		deps:           deps,
		buffer:         NewCommandBuffer(cfg.CommandCapacity, deps.Metrics),
		hooks:          hooks,
		config:         cfg,
		clock:          clock,
		logger:         logger,
		metrics:        deps.Metrics,
		lastCheckpoint: clock.Now(),
		perSourceCount: make(map[string]int),
		dropCounts:     make(map[string]uint64),
	}
}

// Pending reports the number of staged commands.
func (l *Loop) Pending() int {
	if l == nil {
		return 0
	}
	return l.buffer.Len()
}

// Tick reports how many ticks have run.
func (l *Loop) Tick() uint64 {
	if l == nil {
		return 0
	}
	return l.tick.Load()
}

// Enqueue stages a command, enforcing per-source throttling and capacity
// limits.
func (l *Loop) Enqueue(cmd Command) (bool, string) {
	if l == nil {
		return false, CommandRejectQueueFull
	}
	if cmd.IssuedAt.IsZero() {
		cmd.IssuedAt = l.clock.Now()
	}
	reason := ""
	var dropCount uint64
	l.queueMu.Lock()
	if l.config.PerSourceLimit > 0 && cmd.Source != "" {
		count := l.perSourceCount[cmd.Source]
		if count >= l.config.PerSourceLimit {
			reason = CommandRejectQueueLimit
			dropCount = l.incrementDropLocked(cmd.Source)
		} else {
			l.perSourceCount[cmd.Source] = count + 1
		}
	}
	if reason == "" {
		if !l.buffer.Push(cmd) {
			reason = CommandRejectQueueFull
			dropCount = l.incrementDropLocked(cmd.Source)
		} else if l.config.WarningStep > 0 {
			length := l.buffer.Len()
			if length >= l.config.WarningStep && length%l.config.WarningStep == 0 {
				l.queueMu.Unlock()
				l.warnQueue(length)
				return true, ""
			}
		}
	}
	l.queueMu.Unlock()
	if reason != "" {
		l.reportDrop(reason, cmd, dropCount)
		return false, reason
	}
	return true, ""
}

// Call stages fn and waits until the loop has run it. It returns fn's
// error, ErrRejected when the queue refused the command, or ctx's error if
// the caller gives up first. A command whose caller gave up still runs.
func (l *Loop) Call(ctx context.Context, typ CommandType, source string, fn func() error) error {
	done := make(chan error, 1)
	ok, reason := l.Enqueue(Command{Type: typ, Source: source, Apply: fn, done: done})
	if !ok {
		return errors.Join(ErrRejected, errors.New(reason))
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DrainCommands clears the staged queue without running anything. Waiting
// callers are released with ErrRejected.
func (l *Loop) DrainCommands() []Command {
	if l == nil {
		return nil
	}
	commands := l.drainCommands()
	for _, cmd := range commands {
		cmd.finish(ErrRejected)
	}
	return commands
}

// Advance executes a single tick using the staged commands.
func (l *Loop) Advance(ctx TickContext) StepResult {
	if l == nil {
		return StepResult{}
	}
	tick := l.tick.Add(1)
	if ctx.Tick == 0 {
		ctx.Tick = tick
	}
	if ctx.Now.IsZero() {
		ctx.Now = l.clock.Now()
	}
	commands := l.drainCommands()
	if l.hooks.Prepare != nil {
		l.hooks.Prepare(ctx)
	}
	result := StepResult{
		Tick:     ctx.Tick,
		Now:      ctx.Now,
		Delta:    ctx.Delta,
		Commands: len(commands),
	}
	for _, cmd := range commands {
		if err := l.apply(cmd); err != nil {
			result.Failed++
		}
	}
	if l.deps.Scheduler != nil {
		result.Callbacks = l.deps.Scheduler.Advance(ctx.Now)
	}
	if l.deps.Replicator != nil {
		result.Replicated = l.deps.Replicator.Flush()
	}
	if l.hooks.Checkpoint != nil && l.config.CheckpointInterval > 0 &&
		ctx.Now.Sub(l.lastCheckpoint) >= l.config.CheckpointInterval {
		l.lastCheckpoint = ctx.Now
		l.hooks.Checkpoint(context.Background(), ctx.Now)
		result.Checkpointed = true
		l.add(metricKeyCheckpoints, 1)
	}
	l.add(metricKeyTicks, 1)
	return result
}

// Run drives the fixed-timestep loop until the stop channel closes.
func (l *Loop) Run(stop <-chan struct{}) {
	if l == nil {
		return
	}
	tickRate := l.config.TickRate
	ticker := time.NewTicker(time.Second / time.Duration(tickRate))
	defer ticker.Stop()

	last := l.clock.Now()
	budgetSeconds := 1.0 / float64(tickRate)
	maxDt := budgetSeconds
	if l.config.CatchupMaxTicks > 1 {
		maxDt = budgetSeconds * float64(l.config.CatchupMaxTicks)
	}
	budgetDuration := time.Second / time.Duration(tickRate)

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			now := l.clock.Now()
			dt := now.Sub(last).Seconds()
			clamped := false
			if dt <= 0 {
				dt = budgetSeconds
			} else if dt > maxDt {
				dt = maxDt
				clamped = true
			}
			last = now

			start := l.clock.Now()
			result := l.Advance(TickContext{Now: now, Delta: dt})
			result.Duration = l.clock.Now().Sub(start)
			result.Budget = budgetDuration
			result.ClampedDelta = clamped
			result.MaxDelta = maxDt

			if l.hooks.AfterStep != nil {
				l.hooks.AfterStep(result)
			}
		}
	}
}

func (l *Loop) apply(cmd Command) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError{value: r}
		}
		if err != nil {
			l.add(metricKeyCommandsFailed, 1)
			if cmd.done == nil {
				l.logger.Printf("[loop] command %s from %q failed: %v", cmd.Type, cmd.Source, err)
			}
		}
		cmd.finish(err)
	}()
	if cmd.Apply == nil {
		return nil
	}
	return cmd.Apply()
}

func (l *Loop) drainCommands() []Command {
	l.queueMu.Lock()
	defer l.queueMu.Unlock()
	commands := l.buffer.Drain()
	if len(l.perSourceCount) > 0 {
		l.perSourceCount = make(map[string]int)
	}
	return commands
}

func (l *Loop) incrementDropLocked(source string) uint64 {
	if source == "" {
		return 0
	}
	count := l.dropCounts[source] + 1
	l.dropCounts[source] = count
	return count
}

func (l *Loop) warnQueue(length int) {
	if l.hooks.OnQueueWarning != nil {
		l.hooks.OnQueueWarning(length)
	}
}

func (l *Loop) reportDrop(reason string, cmd Command, count uint64) {
	if l.hooks.OnCommandDrop != nil {
		l.hooks.OnCommandDrop(reason, cmd)
	}
	if count > 0 && count&(count-1) == 0 {
		l.logger.Printf(
			"[backpressure] dropping command source=%s type=%s reason=%s count=%d limit=%d",
			cmd.Source,
			cmd.Type,
			reason,
			count,
			l.config.PerSourceLimit,
		)
	}
}

func (l *Loop) add(key string, delta uint64) {
	if l.metrics != nil {
		l.metrics.Add(key, delta)
	}
}

type panicError struct{ value any }

func (e panicError) Error() string {
	return fmt.Sprintf("command panicked: %v", e.value)
}
