package display

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/r0bb10/motion-display-bridge/internal/metrics"
)

const (
	powerArg    = "display_power"
	powerPrefix = powerArg + "="
)

// runFunc executes an external command and returns its stdout.
type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRun(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Tool drives the display through a vcgencmd-compatible command line
// tool: "<tool> display_power" prints display_power=<0|1>, and
// "<tool> display_power <0|1>" sets it.
type Tool struct {
	path    string
	timeout time.Duration
	logger  *zap.Logger
	run     runFunc
}

// NewTool creates a display controller backed by the tool at path. Each
// invocation is bounded by timeout.
func NewTool(path string, timeout time.Duration, logger *zap.Logger) *Tool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tool{
		path:    path,
		timeout: timeout,
		logger:  logger,
		run:     execRun,
	}
}

func (t *Tool) State(ctx context.Context) (State, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	out, err := t.run(ctx, t.path, powerArg)
	if err != nil {
		metrics.IncDisplayQueryError()
		return StateUnknown, &HardwareQueryError{Tool: t.path, Output: string(out), Err: err}
	}

	state, ok := parseState(out)
	if !ok {
		metrics.IncDisplayQueryError()
		return StateUnknown, &HardwareQueryError{Tool: t.path, Output: string(out)}
	}

	t.logger.Debug("Display state queried", zap.Stringer("state", state))
	return state, nil
}

func (t *Tool) TurnOn(ctx context.Context) {
	t.logger.Debug("Turning ON the display")
	t.set(ctx, "1")
	metrics.IncDisplayCommand("on")
}

func (t *Tool) TurnOff(ctx context.Context) {
	t.logger.Debug("Turning OFF the display")
	t.set(ctx, "0")
	metrics.IncDisplayCommand("off")
}

func (t *Tool) set(ctx context.Context, value string) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	if out, err := t.run(ctx, t.path, powerArg, value); err != nil {
		t.logger.Warn("Display power command failed",
			zap.String("tool", t.path),
			zap.String("value", value),
			zap.String("output", strings.TrimSpace(string(out))),
			zap.Error(err))
	}
}

// parseState accepts exactly one line of the form display_power=<0|1>.
func parseState(out []byte) (State, bool) {
	line := strings.TrimSpace(string(out))
	if strings.ContainsAny(line, "\r\n") || !strings.HasPrefix(line, powerPrefix) {
		return StateUnknown, false
	}
	switch strings.TrimPrefix(line, powerPrefix) {
	case "1":
		return StateOn, true
	case "0":
		return StateOff, true
	default:
		return StateUnknown, false
	}
}
