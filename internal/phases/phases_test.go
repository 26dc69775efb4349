package phases

import (
	"context"
	"strings"
	"testing"
	"time"

	"tradeflow/internal/config"
)

func TestSleepHandler(t *testing.T) {
	h := Sleep(time.Millisecond, 0)
	metrics, err := h(context.Background(), nil)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if _, ok := metrics["slept_ms"]; !ok {
		t.Fatalf("metrics = %v, want slept_ms", metrics)
	}
}

func TestSleepHandlerFailsFirstN(t *testing.T) {
	h := Sleep(time.Millisecond, 2)

	for i := 1; i <= 2; i++ {
		if _, err := h(context.Background(), nil); err == nil {
			t.Fatalf("invocation %d succeeded, want simulated failure", i)
		}
	}
	if _, err := h(context.Background(), nil); err != nil {
		t.Fatalf("invocation 3: %v, want success", err)
	}
}

func TestSleepHandlerHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h := Sleep(time.Minute, 0)
	start := time.Now()
	if _, err := h(ctx, nil); err == nil {
		t.Fatal("handler succeeded under a canceled context")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("handler blocked %v under a canceled context", elapsed)
	}
}

func TestCommandHandler(t *testing.T) {
	h := Command("sh", "-c", "echo hello")
	metrics, err := h(context.Background(), nil)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if metrics["exit_code"] != 0 {
		t.Fatalf("exit_code = %v, want 0", metrics["exit_code"])
	}
	tail, _ := metrics["output_tail"].(string)
	if !strings.Contains(tail, "hello") {
		t.Fatalf("output_tail = %q, want it to contain hello", tail)
	}
}

func TestCommandHandlerNonZeroExit(t *testing.T) {
	h := Command("sh", "-c", "exit 3")
	if _, err := h(context.Background(), nil); err == nil {
		t.Fatal("handler succeeded for a failing command")
	}
}

func TestBuild(t *testing.T) {
	phase, err := Build(config.Phase{
		Name:     "data",
		Kind:     config.PhaseKindSleep,
		Timeout:  config.Duration(time.Second),
		Duration: config.Duration(time.Millisecond),
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if phase.Name != "data" || phase.Timeout != time.Second || phase.Handler == nil {
		t.Fatalf("phase = %+v, want wired sleep handler", phase)
	}

	if _, err := Build(config.Phase{Name: "x", Kind: "teleport", Timeout: config.Duration(time.Second)}); err == nil {
		t.Fatal("Build accepted an unknown kind")
	}
	if _, err := Build(config.Phase{Name: "x", Kind: config.PhaseKindCommand, Timeout: config.Duration(time.Second)}); err == nil {
		t.Fatal("Build accepted a command phase without argv")
	}
}

func TestBuildAllPreservesOrder(t *testing.T) {
	pcs := []config.Phase{
		{Name: "data", Kind: config.PhaseKindSleep, Timeout: config.Duration(time.Second)},
		{Name: "strategy", Kind: config.PhaseKindSleep, Timeout: config.Duration(time.Second)},
		{Name: "api", Kind: config.PhaseKindSleep, Timeout: config.Duration(time.Second)},
	}
	built, err := BuildAll(pcs)
	if err != nil {
		t.Fatalf("BuildAll: %v", err)
	}
	for i, want := range []string{"data", "strategy", "api"} {
		if built[i].Name != want {
			t.Fatalf("phase %d = %s, want %s", i, built[i].Name, want)
		}
	}
}

func TestTail(t *testing.T) {
	long := strings.Repeat("x", outputTailBytes+100)
	if got := tail([]byte(long)); len(got) != outputTailBytes {
		t.Fatalf("tail length = %d, want %d", len(got), outputTailBytes)
	}
	if got := tail([]byte("short")); got != "short" {
		t.Fatalf("tail = %q, want short unchanged", got)
	}
}
