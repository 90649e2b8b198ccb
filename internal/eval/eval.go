// Package eval evaluates client input as Starlark, a small Python
// dialect.  Each session gets its own thread and globals, seeded with
// builtins that let code talk back to the server:
//
//	emit(*values, sep=" ")  write to this client's connection
//	request_shutdown()      stop the server once all clients leave
//	exit(), quit()          close this client's connection
//	stats()                 a dict of server counters
//
// plus the json and math modules.
package eval

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"go.starlark.net/lib/json"
	"go.starlark.net/lib/math"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"sockrepl/internal/errors"
	"sockrepl/internal/metrics"
	"sockrepl/internal/repl"
	"sockrepl/internal/router"
	"sockrepl/internal/session"
	"sockrepl/internal/shutdown"
	"sockrepl/util"
)

// ShutdownNotice is emitted to the session that requested a shutdown.
const ShutdownNotice = "Shutting down after all clients disconnect."

const (
	filename = "<stdin>"
	ctxLocal = "sockrepl.ctx"
)

// fileOptions enables the full statement language at top level, as an
// interactive shell expects.
var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

// Evaluator creates per-session Starlark environments.
type Evaluator struct {
	Router   *router.Router
	Shutdown *shutdown.Coordinator
	Metrics  *metrics.Collector
	Logger   *util.Logger

	// RoutePrint sends print() output to the client instead of the
	// operator console.
	RoutePrint bool
}

// NewEnv returns a fresh environment for sess.
func (e *Evaluator) NewEnv(ctx context.Context, sess *session.Session) (repl.Env, error) {
	env := &Env{ev: e, sess: sess}
	env.thread = &starlark.Thread{
		Name:  "session " + session.ShortID(sess.ID),
		Print: env.print,
	}
	env.globals = starlark.StringDict{
		"emit":             starlark.NewBuiltin("emit", env.emit),
		"request_shutdown": starlark.NewBuiltin("request_shutdown", env.requestShutdown),
		"exit":             starlark.NewBuiltin("exit", env.exit),
		"quit":             starlark.NewBuiltin("quit", env.exit),
		"stats":            starlark.NewBuiltin("stats", env.stats),
		"json":             json.Module,
		"math":             math.Module,
	}
	return env, nil
}

// Env is one session's interpreter state.
type Env struct {
	ev      *Evaluator
	sess    *session.Session
	thread  *starlark.Thread
	globals starlark.StringDict
	exited  atomic.Bool
}

// Eval runs source, which holds every line entered since the last
// complete statement.  An incomplete statement yields Result.More.
func (env *Env) Eval(ctx context.Context, source string) (repl.Result, error) {
	if env.exited.Load() {
		return repl.Result{}, errors.ErrSessionExit
	}
	if err := ctx.Err(); err != nil {
		return repl.Result{}, err
	}

	complete, err := isComplete(source)
	if err != nil {
		return repl.Result{}, &SyntaxError{Err: err}
	}
	if !complete {
		return repl.Result{More: true}, nil
	}

	f, err := fileOptions.Parse(filename, source, 0)
	if err != nil {
		return repl.Result{}, &SyntaxError{Err: err}
	}
	if len(f.Stmts) == 0 {
		return repl.Result{}, nil
	}

	env.thread.SetLocal(ctxLocal, ctx)
	stop := context.AfterFunc(ctx, func() { env.thread.Cancel("session closed") })
	defer stop()

	if expr := soleExpr(f); expr != nil {
		v, err := starlark.EvalExprOptions(f.Options, env.thread, expr, env.globals)
		if err != nil {
			return repl.Result{}, env.checkExit(err)
		}
		if v == starlark.None {
			return repl.Result{}, nil
		}
		return repl.Result{Value: display(v)}, nil
	}

	if err := starlark.ExecREPLChunk(f, env.thread, env.globals); err != nil {
		return repl.Result{}, env.checkExit(err)
	}
	return repl.Result{}, nil
}

// Close releases the environment.
func (env *Env) Close() error {
	env.thread.Cancel("session closed")
	return nil
}

// Globals returns the session's bindings.
func (env *Env) Globals() starlark.StringDict { return env.globals }

func (env *Env) checkExit(err error) error {
	if env.exited.Load() || errors.Is(err, errors.ErrSessionExit) {
		return errors.ErrSessionExit
	}
	return classify(err)
}

// context returns the context of the statement currently running on
// thread, carrying the session id for routing.
func (env *Env) context(thread *starlark.Thread) context.Context {
	if ctx, ok := thread.Local(ctxLocal).(context.Context); ok {
		return ctx
	}
	return env.sess.Context(context.Background())
}

func soleExpr(f *syntax.File) syntax.Expr {
	if len(f.Stmts) == 1 {
		if stmt, ok := f.Stmts[0].(*syntax.ExprStmt); ok {
			return stmt.X
		}
	}
	return nil
}

// ── builtins ─────────────────────────────────────────────────────────

func (env *Env) print(thread *starlark.Thread, msg string) {
	if env.ev.RoutePrint {
		env.ev.Router.Emit(env.context(thread), msg)
		return
	}
	env.ev.Router.Console(msg)
}

func (env *Env) emit(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	sep := " "
	if err := starlark.UnpackArgs(b.Name(), nil, kwargs, "sep?", &sep); err != nil {
		return nil, err
	}
	parts := make([]string, len(args))
	for i, v := range args {
		parts[i] = display(v)
	}
	env.ev.Router.Emit(env.context(thread), strings.Join(parts, sep))
	return starlark.None, nil
}

func (env *Env) requestShutdown(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	reason := fmt.Sprintf("requested by %s (%s)", session.ShortID(env.sess.ID), env.sess.RemoteAddr())
	if env.ev.Shutdown.Request(reason) {
		env.ev.Metrics.ShutdownRequested()
		env.ev.Logger.Info("shutdown %s", reason)
	}
	env.ev.Router.Emit(env.context(thread), ShutdownNotice)
	return starlark.None, nil
}

func (env *Env) exit(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var code starlark.Value = starlark.None
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0, &code); err != nil {
		return nil, err
	}
	env.exited.Store(true)
	return nil, errors.ErrSessionExit
}

func (env *Env) stats(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	s := env.ev.Metrics.Snapshot()
	d := starlark.NewDict(10)
	entries := []struct {
		key string
		val starlark.Value
	}{
		{"uptime", starlark.String(s.Uptime)},
		{"sessions_active", starlark.MakeInt64(s.SessionsActive)},
		{"sessions_total", starlark.MakeInt64(s.SessionsTotal)},
		{"statements", starlark.MakeInt64(s.Statements)},
		{"eval_errors", starlark.MakeInt64(s.EvalErrors)},
		{"faults", starlark.MakeInt64(s.Faults)},
		{"bytes_in", starlark.MakeInt64(s.BytesIn)},
		{"bytes_out", starlark.MakeInt64(s.BytesOut)},
		{"shutdown_requested", starlark.Bool(env.ev.Shutdown.Requested())},
		{"session", starlark.String(env.sess.ID)},
	}
	for _, e := range entries {
		if err := d.SetKey(starlark.String(e.key), e.val); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// display renders v the way str() would: strings without quotes.
func display(v starlark.Value) string {
	if s, ok := starlark.AsString(v); ok {
		return s
	}
	return v.String()
}
