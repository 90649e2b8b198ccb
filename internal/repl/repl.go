// Package repl runs the read-eval-print loop for one connected client.
//
// Each turn moves through Prompting, AwaitingInput and Evaluating and
// back to Prompting, until the peer goes away or evaluated code asks to
// leave.  All output produced while a turn runs is delivered through the
// router, so it reaches this client and no other.
package repl

import (
	"context"
	"fmt"
	"strings"
	"time"

	"sockrepl/internal/errors"
	"sockrepl/internal/metrics"
	"sockrepl/internal/router"
	"sockrepl/internal/session"
	"sockrepl/util"
)

const (
	DefaultPrompt             = ">>> "
	DefaultContinuationPrompt = "... "
	DefaultNotice             = "Use emit() to ensure printing to stream."
	ExitMessage               = "SystemExit reached, closing the connection."
)

// Result is the outcome of evaluating one chunk of input.
type Result struct {
	// More is set when the input is an incomplete statement; the
	// engine keeps the text and asks for another line.
	More bool
	// Value is the value to display, or nil for none.
	Value any
}

// Env is one session's evaluation environment.  Bindings made by one
// Eval are visible to the next.
type Env interface {
	Eval(ctx context.Context, source string) (Result, error)
	Close() error
}

// Evaluator creates an Env per session.
type Evaluator interface {
	NewEnv(ctx context.Context, sess *session.Session) (Env, error)
}

// State is the position of a session in its turn cycle.
type State int

const (
	Prompting State = iota
	AwaitingInput
	Evaluating
	Terminated
)

func (s State) String() string {
	switch s {
	case Prompting:
		return "prompting"
	case AwaitingInput:
		return "awaiting-input"
	case Evaluating:
		return "evaluating"
	case Terminated:
		return "terminated"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Termination reasons, as logged.
const (
	ReasonPeer      = "peer disconnected"
	ReasonExit      = "explicit exit"
	ReasonTransport = "transport error"
	ReasonCancelled = "server stopping"
)

// Engine serves sessions.  It implements capability.Capability.
type Engine struct {
	Evaluator Evaluator
	Router    *router.Router
	Metrics   *metrics.Collector
	Logger    *util.Logger

	Prompt             string
	ContinuationPrompt string
	Banner             string
	// Notice is emitted through the router when a session starts.
	Notice string
}

func (e *Engine) prompt(continuation bool) string {
	if continuation {
		if e.ContinuationPrompt != "" {
			return e.ContinuationPrompt
		}
		return DefaultContinuationPrompt
	}
	if e.Prompt != "" {
		return e.Prompt
	}
	return DefaultPrompt
}

// Handle runs the loop until the session terminates.  The route for the
// session is installed before anything is written and removed before
// Handle returns; the connection is always closed.
func (e *Engine) Handle(ctx context.Context, sess *session.Session) error {
	ctx = sess.Context(ctx)
	log := sess.Logger

	defer sess.Close()
	e.Router.Install(sess.ID, sess.Emit)
	defer e.Router.Remove(sess.ID) // runs before the close above

	env, err := e.Evaluator.NewEnv(ctx, sess)
	if err != nil {
		return fmt.Errorf("create environment: %w", err)
	}
	defer env.Close()

	notice := e.Notice
	if notice == "" {
		notice = DefaultNotice
	}
	e.Router.Emit(ctx, notice)
	if e.Banner != "" {
		if err := sess.Line.WriteLine(e.Banner); err != nil {
			log.Verbose("session ended (%s) before banner", ReasonTransport)
			return nil
		}
	}

	reason, err := e.loop(ctx, sess, env)
	log.Debug("state %s", Terminated)
	log.Info("session %s ended (%s) after %s",
		sess.RemoteAddr(), reason, sess.Uptime().Truncate(time.Millisecond))
	return err
}

func (e *Engine) loop(ctx context.Context, sess *session.Session, env Env) (string, error) {
	var (
		log    = sess.Logger
		state  = Prompting
		buffer []string
	)

	for {
		log.Debug("state %s", state)

		switch state {
		case Prompting:
			if err := sess.Line.Write(e.prompt(len(buffer) > 0)); err != nil {
				return disconnectReason(err)
			}
			state = AwaitingInput

		case AwaitingInput:
			line, err := sess.Line.ReadLine()
			if err != nil {
				if ctx.Err() != nil {
					return ReasonCancelled, nil
				}
				return disconnectReason(err)
			}
			buffer = append(buffer, line)
			state = Evaluating

		case Evaluating:
			source := strings.Join(buffer, "\n")
			res, err := env.Eval(ctx, source)
			switch {
			case errors.Is(err, errors.ErrSessionExit):
				e.Router.Emit(ctx, ExitMessage)
				return ReasonExit, nil
			case err != nil:
				e.Metrics.StatementEvaluated()
				e.Metrics.EvalError(err.Error())
				log.Verbose("evaluation error: %v", err)
				e.Router.EmitError(ctx, err)
				buffer = buffer[:0]
			case res.More:
			default:
				e.Metrics.StatementEvaluated()
				e.Router.Emit(ctx, res.Value)
				buffer = buffer[:0]
			}
			if sess.Closed() {
				return ReasonTransport, nil
			}
			state = Prompting
		}
	}
}

// disconnectReason classifies a transport failure.  Ordinary peer
// closes end the session without an error.
func disconnectReason(err error) (string, error) {
	if errors.IsDisconnect(err) {
		return ReasonPeer, nil
	}
	return ReasonTransport, err
}
