// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Vigil Contributors

package agent_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigil-dev/vigil/internal/agent"
	"github.com/sigil-dev/vigil/internal/metrics"
	vigilerr "github.com/sigil-dev/vigil/pkg/errors"
)

func echoTool(name string) agent.Tool {
	return agent.Tool{
		Name:        name,
		Description: "echoes its input",
		InputSchema: map[string]any{"type": "object"},
		Invoke: func(_ context.Context, input string) (string, error) {
			return "result of " + name + ": " + input, nil
		},
	}
}

func newDispatcher(t *testing.T, timeout time.Duration, tools ...agent.Tool) *agent.Dispatcher {
	t.Helper()
	reg, err := agent.NewRegistry(tools...)
	require.NoError(t, err)
	d, err := agent.NewDispatcher(agent.DispatcherConfig{Registry: reg, Timeout: timeout, Metrics: metrics.New(nil)})
	require.NoError(t, err)
	return d
}

func TestRegistry_RejectsDuplicates(t *testing.T) {
	reg, err := agent.NewRegistry(echoTool("a"), echoTool("b"))
	require.NoError(t, err)

	err = reg.Register(echoTool("a"))
	require.Error(t, err)
	assert.True(t, vigilerr.IsConflict(err))
	assert.Equal(t, []string{"a", "b"}, reg.Names())
}

func TestRegistry_RejectsIncompleteTool(t *testing.T) {
	_, err := agent.NewRegistry(agent.Tool{Name: "x"})
	require.Error(t, err)
	assert.True(t, vigilerr.IsInvalidInput(err))
}

func TestRegistry_CatalogAndDefinitions(t *testing.T) {
	reg, err := agent.NewRegistry(agent.NoteTool(), echoTool("loki"))
	require.NoError(t, err)

	catalog := reg.Catalog()
	lines := strings.Split(catalog, "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "trace_note: "))
	assert.Equal(t, "loki: echoes its input", lines[1])

	defs := reg.Definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "trace_note", defs[0].Name)
	assert.Equal(t, "object", defs[0].InputSchema["type"])
}

func TestNewDispatcher_RequiresRegistry(t *testing.T) {
	_, err := agent.NewDispatcher(agent.DispatcherConfig{})
	require.Error(t, err)
}

func TestDispatcher_Success(t *testing.T) {
	d := newDispatcher(t, time.Second, echoTool("loki"))

	out := d.Dispatch(context.Background(), "loki", `{"q":1}`)
	require.NoError(t, out.Err)
	assert.Equal(t, `result of loki: {"q":1}`, out.Observation)
	assert.False(t, out.StartedAt.IsZero())
}

func TestDispatcher_FailuresBecomeObservations(t *testing.T) {
	failing := agent.Tool{
		Name: "failing",
		Invoke: func(context.Context, string) (string, error) {
			return "", errors.New("loki returned 502")
		},
	}
	panicking := agent.Tool{
		Name: "panicking",
		Invoke: func(context.Context, string) (string, error) {
			panic("oh no")
		},
	}
	slow := agent.Tool{
		Name: "slow",
		Invoke: func(ctx context.Context, _ string) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	}
	d := newDispatcher(t, 20*time.Millisecond, failing, panicking, slow)

	tests := []struct {
		name     string
		tool     string
		wantObs  string
		wantCode vigilerr.Code
	}{
		{"tool error", "failing", "error: loki returned 502", vigilerr.CodeAgentToolFailure},
		{"panic", "panicking", "error: tool panicked: oh no", vigilerr.CodeAgentToolFailure},
		{"timeout", "slow", "error: ", vigilerr.CodeAgentToolTimeout},
		{"unknown", "nope", "nope is not a valid tool, try one of [failing, panicking, slow].", vigilerr.CodeAgentToolNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := d.Dispatch(context.Background(), tt.tool, "{}")
			require.Error(t, out.Err)
			assert.True(t, strings.HasPrefix(out.Observation, tt.wantObs), "observation %q", out.Observation)
			assert.Equal(t, tt.wantCode, vigilerr.CodeOf(out.Err))
		})
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", agent.Truncate("short", 10))

	long := strings.Repeat("a", 20)
	got := agent.Truncate(long, 10)
	assert.Equal(t, strings.Repeat("a", 10)+agent.TruncationMarker, got)

	// "é" is two bytes; a cut inside it walks back to the rune start.
	multi := "aaaaaaaaaé" + "tail"
	got = agent.Truncate(multi, 10)
	assert.Equal(t, "aaaaaaaaa"+agent.TruncationMarker, got)
}

func TestNoteTool(t *testing.T) {
	note := agent.NoteTool()
	out, err := note.Invoke(context.Background(), `{"note":"check api errors"}`)
	require.NoError(t, err)
	assert.Equal(t, "check api errors", out)

	out, err = note.Invoke(context.Background(), " bare note ")
	require.NoError(t, err)
	assert.Equal(t, "bare note", out)
}

func TestDispatcher_ObservationErrorKeepsPreparedText(t *testing.T) {
	tool := agent.Tool{
		Name: "prom",
		Invoke: func(context.Context, string) (string, error) {
			return "", &agent.ObservationError{
				Observation: `{"error":"prometheus_request_failed"}`,
				Err:         errors.New("502 bad gateway"),
			}
		},
	}
	d := newDispatcher(t, time.Second, tool)

	out := d.Dispatch(context.Background(), "prom", "{}")
	require.Error(t, out.Err)
	assert.Equal(t, `{"error":"prometheus_request_failed"}`, out.Observation)
	assert.Contains(t, out.Err.Error(), "502 bad gateway")
}
