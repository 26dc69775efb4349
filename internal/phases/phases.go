// Package phases provides the built-in phase handler adapters. The
// orchestrator core never performs domain I/O itself; concrete readiness
// checks plug in here as commands, with sleep handlers for dry runs and
// tests.
package phases

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"tradeflow/internal/config"
	"tradeflow/internal/scheduler"
)

const outputTailBytes = 2000

// Sleep returns a handler that blocks for d, failing the first failTimes
// invocations with a transient error. It honors context cancellation, which
// the built-in handlers do even though the scheduler contract does not
// require it.
func Sleep(d time.Duration, failTimes int) scheduler.Handler {
	var mu sync.Mutex
	calls := 0
	return func(ctx context.Context, _ scheduler.Context) (map[string]any, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()

		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if n <= failTimes {
			return nil, fmt.Errorf("simulated transient failure %d/%d", n, failTimes)
		}
		return map[string]any{"slept_ms": d.Milliseconds()}, nil
	}
}

// Command returns a handler that runs an executable. Exit 0 is success; the
// tail of combined output is reported in the result metrics either way.
func Command(name string, args ...string) scheduler.Handler {
	return func(ctx context.Context, _ scheduler.Context) (map[string]any, error) {
		var buf bytes.Buffer
		cmd := exec.CommandContext(ctx, name, args...)
		cmd.Stdout = &buf
		cmd.Stderr = &buf

		err := cmd.Run()
		metrics := map[string]any{
			"command":     name,
			"output_tail": tail(buf.Bytes()),
		}
		if cmd.ProcessState != nil {
			metrics["exit_code"] = cmd.ProcessState.ExitCode()
		}
		if err != nil {
			return nil, fmt.Errorf("run %s: %w", name, err)
		}
		return metrics, nil
	}
}

// Build maps one configured phase onto a scheduler phase.
func Build(pc config.Phase) (scheduler.Phase, error) {
	phase := scheduler.Phase{
		Name:    pc.Name,
		Timeout: pc.Timeout.Std(),
	}
	switch pc.Kind {
	case config.PhaseKindSleep:
		phase.Handler = Sleep(pc.Duration.Std(), pc.FailTimes)
	case config.PhaseKindCommand:
		if len(pc.Command) == 0 {
			return scheduler.Phase{}, fmt.Errorf("phase %s: command is required", pc.Name)
		}
		phase.Handler = Command(pc.Command[0], pc.Command[1:]...)
	default:
		return scheduler.Phase{}, fmt.Errorf("phase %s: unknown kind %q", pc.Name, pc.Kind)
	}
	return phase, nil
}

// BuildAll maps every configured phase, preserving order.
func BuildAll(pcs []config.Phase) ([]scheduler.Phase, error) {
	out := make([]scheduler.Phase, 0, len(pcs))
	for _, pc := range pcs {
		phase, err := Build(pc)
		if err != nil {
			return nil, err
		}
		out = append(out, phase)
	}
	return out, nil
}

func tail(b []byte) string {
	if len(b) <= outputTailBytes {
		return string(b)
	}
	return string(b[len(b)-outputTailBytes:])
}
