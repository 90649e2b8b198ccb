package eval

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sockrepl/internal/errors"
	"sockrepl/internal/metrics"
	"sockrepl/internal/repl"
	"sockrepl/internal/router"
	"sockrepl/internal/session"
	"sockrepl/internal/shutdown"
	"sockrepl/util"
)

type harness struct {
	router   *router.Router
	console  *bytes.Buffer
	shutdown *shutdown.Coordinator
	metrics  *metrics.Collector
	eval     *Evaluator
}

func newHarness() *harness {
	h := &harness{
		console:  &bytes.Buffer{},
		shutdown: shutdown.New(),
		metrics:  metrics.New(),
	}
	h.router = router.New(h.console)
	h.eval = &Evaluator{
		Router:   h.router,
		Shutdown: h.shutdown,
		Metrics:  h.metrics,
		Logger:   util.NewLogger(0),
	}
	return h
}

type client struct {
	sess *session.Session
	env  repl.Env
	ctx  context.Context

	mu  sync.Mutex
	out []string
}

func (c *client) sink(v any) {
	c.mu.Lock()
	c.out = append(c.out, fmt.Sprint(v))
	c.mu.Unlock()
}

func (c *client) output() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.out...)
}

func (h *harness) connect(t *testing.T, id string) *client {
	t.Helper()
	c := &client{sess: &session.Session{ID: id, Logger: util.NewLogger(0)}}
	c.ctx = c.sess.Context(context.Background())
	h.router.Install(id, c.sink)
	env, err := h.eval.NewEnv(c.ctx, c.sess)
	require.NoError(t, err)
	c.env = env
	t.Cleanup(func() {
		env.Close()
		h.router.Remove(id)
	})
	return c
}

func (c *client) eval(t *testing.T, src string) (repl.Result, error) {
	t.Helper()
	return c.env.Eval(c.ctx, src)
}

func shown(t *testing.T, res repl.Result) string {
	t.Helper()
	require.NotNil(t, res.Value)
	return fmt.Sprint(res.Value)
}

func TestIsComplete(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		want    bool
		wantErr bool
	}{
		{"expression", "1 + 1", true, false},
		{"assignment", "x = 1", true, false},
		{"empty", "", true, false},
		{"whitespace", "   ", true, false},
		{"comment", "# note", true, false},
		{"open bracket", "[1,", false, false},
		{"open call", "f(1,\n2", false, false},
		{"closed over lines", "[1,\n2]", true, false},
		{"triple quote", `s = """abc`, false, false},
		{"backslash", "x = 1 + \\", false, false},
		{"block header", "if True:", false, false},
		{"block body", "if True:\n  y = 1", false, false},
		{"block ended", "if True:\n  y = 1\n ", true, false},
		{"def ended", "def f():\n    return 1\n    ", true, false},
		{"else pending", "if x:\n  a = 1\nelse:", false, false},
		{"syntax error", "x = )", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := isComplete(tt.src)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEval_ExpressionsAndBindings(t *testing.T) {
	h := newHarness()
	c := h.connect(t, "a")

	res, err := c.eval(t, "1 + 2")
	require.NoError(t, err)
	assert.Equal(t, "3", shown(t, res))

	res, err = c.eval(t, "x = 5")
	require.NoError(t, err)
	assert.Nil(t, res.Value)
	assert.False(t, res.More)

	res, err = c.eval(t, "x * 2")
	require.NoError(t, err)
	assert.Equal(t, "10", shown(t, res))

	res, err = c.eval(t, `"hi"`)
	require.NoError(t, err)
	assert.Equal(t, "hi", shown(t, res), "strings display without quotes")

	res, err = c.eval(t, `["hi", 1]`)
	require.NoError(t, err)
	assert.Equal(t, `["hi", 1]`, shown(t, res), "containers keep element quoting")

	res, err = c.eval(t, "None")
	require.NoError(t, err)
	assert.Nil(t, res.Value, "None is not displayed")
}

func TestEval_Continuation(t *testing.T) {
	h := newHarness()
	c := h.connect(t, "a")

	res, err := c.eval(t, "def double(n):")
	require.NoError(t, err)
	assert.True(t, res.More)

	res, err = c.eval(t, "def double(n):\n    return n * 2")
	require.NoError(t, err)
	assert.True(t, res.More)

	res, err = c.eval(t, "def double(n):\n    return n * 2\n ")
	require.NoError(t, err)
	assert.False(t, res.More)

	res, err = c.eval(t, "double(21)")
	require.NoError(t, err)
	assert.Equal(t, "42", shown(t, res))

	res, err = c.eval(t, "[1,\n2,\n3]")
	require.NoError(t, err)
	assert.Equal(t, "[1, 2, 3]", shown(t, res))
}

func TestEval_TopLevelControlFlow(t *testing.T) {
	h := newHarness()
	c := h.connect(t, "a")

	_, err := c.eval(t, "total = 0\n")
	require.NoError(t, err)
	_, err = c.eval(t, "for i in range(4):\n  total += i\n ")
	require.NoError(t, err)
	res, err := c.eval(t, "total")
	require.NoError(t, err)
	assert.Equal(t, "6", shown(t, res))
}

func TestEval_Errors(t *testing.T) {
	h := newHarness()
	c := h.connect(t, "a")

	_, err := c.eval(t, "x = )")
	var synErr *SyntaxError
	require.ErrorAs(t, err, &synErr)
	assert.True(t, strings.HasPrefix(router.FormatError(err), "SyntaxError: "))

	_, err = c.eval(t, "undefined_thing")
	var nameErr *NameError
	require.ErrorAs(t, err, &nameErr)
	assert.Contains(t, router.FormatError(err), "NameError: ")

	_, err = c.eval(t, "1 // 0")
	require.Error(t, err)
	assert.Contains(t, router.FormatError(err), "Traceback")
	assert.Contains(t, router.FormatError(err), "division by zero")

	// the environment survives errors
	res, err := c.eval(t, "2 + 2")
	require.NoError(t, err)
	assert.Equal(t, "4", shown(t, res))
}

func TestEmit_RoutedToCallingSession(t *testing.T) {
	h := newHarness()
	a := h.connect(t, "a")
	b := h.connect(t, "b")

	_, err := a.eval(t, `emit("hello", 1, [2])`)
	require.NoError(t, err)
	_, err = b.eval(t, `emit("x", "y", sep="-")`)
	require.NoError(t, err)

	assert.Equal(t, []string{"hello 1 [2]"}, a.output())
	assert.Equal(t, []string{"x-y"}, b.output())
	assert.Empty(t, h.console.String())
}

func TestPrint(t *testing.T) {
	t.Run("console by default", func(t *testing.T) {
		h := newHarness()
		c := h.connect(t, "a")
		_, err := c.eval(t, `print("to operator")`)
		require.NoError(t, err)
		assert.Empty(t, c.output())
		assert.Equal(t, "to operator\n", h.console.String())
	})
	t.Run("routed", func(t *testing.T) {
		h := newHarness()
		h.eval.RoutePrint = true
		c := h.connect(t, "a")
		_, err := c.eval(t, `print("to client")`)
		require.NoError(t, err)
		assert.Equal(t, []string{"to client"}, c.output())
		assert.Empty(t, h.console.String())
	})
}

func TestExit(t *testing.T) {
	for _, name := range []string{"exit()", "quit()", "exit(0)"} {
		t.Run(name, func(t *testing.T) {
			h := newHarness()
			c := h.connect(t, "a")
			_, err := c.eval(t, name)
			require.ErrorIs(t, err, errors.ErrSessionExit)

			_, err = c.eval(t, "1")
			require.ErrorIs(t, err, errors.ErrSessionExit, "env stays exited")
		})
	}
}

func TestExit_InsideFunction(t *testing.T) {
	h := newHarness()
	c := h.connect(t, "a")
	_, err := c.eval(t, "def leave():\n  exit()\n ")
	require.NoError(t, err)
	_, err = c.eval(t, "leave()")
	require.ErrorIs(t, err, errors.ErrSessionExit)
}

func TestRequestShutdown(t *testing.T) {
	h := newHarness()
	a := h.connect(t, "a")
	b := h.connect(t, "b")

	_, err := a.eval(t, "request_shutdown()")
	require.NoError(t, err)
	assert.True(t, h.shutdown.Requested())
	assert.Contains(t, h.shutdown.Reason(), "requested by a")
	assert.Equal(t, []string{ShutdownNotice}, a.output())
	assert.Empty(t, b.output(), "only the caller is notified")

	// a second request is harmless and keeps the first reason
	_, err = b.eval(t, "request_shutdown()")
	require.NoError(t, err)
	assert.Contains(t, h.shutdown.Reason(), "requested by a")
	assert.Equal(t, []string{ShutdownNotice}, b.output())
	assert.NotEmpty(t, h.metrics.Snapshot().ShutdownAt)
}

func TestStats(t *testing.T) {
	h := newHarness()
	h.metrics.StatementEvaluated()
	h.metrics.StatementEvaluated()
	c := h.connect(t, "a")

	res, err := c.eval(t, `stats()["statements"]`)
	require.NoError(t, err)
	assert.Equal(t, "2", shown(t, res))

	res, err = c.eval(t, `stats()["shutdown_requested"]`)
	require.NoError(t, err)
	assert.Equal(t, "False", shown(t, res))
}

func TestSessionsAreIsolated(t *testing.T) {
	h := newHarness()
	a := h.connect(t, "a")
	b := h.connect(t, "b")

	_, err := a.eval(t, "secret = 1")
	require.NoError(t, err)
	_, err = b.eval(t, "secret")
	var nameErr *NameError
	require.ErrorAs(t, err, &nameErr)
}

func TestModules(t *testing.T) {
	h := newHarness()
	c := h.connect(t, "a")

	_, err := c.eval(t, `emit(json.encode({"a": [1, 2]}))`)
	require.NoError(t, err)
	res, err := c.eval(t, "math.floor(2.7)")
	require.NoError(t, err)

	assert.Equal(t, []string{`{"a":[1,2]}`}, c.output())
	assert.Equal(t, "2", shown(t, res))
}

func TestEval_CancelledContext(t *testing.T) {
	h := newHarness()
	c := h.connect(t, "a")

	ctx, cancel := context.WithCancel(c.ctx)
	cancel()
	_, err := c.env.Eval(ctx, "x = 1")
	require.Error(t, err, "a cancelled session cannot run code")
}
