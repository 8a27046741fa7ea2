package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"mopplane/internal/assess/compare"
	"mopplane/internal/assess/expand"
	"mopplane/internal/assess/extract"
	"mopplane/internal/assess/skip"
	"mopplane/internal/observability"
	"mopplane/internal/worker/runtime"
	"mopplane/pkg/mop"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// Advisor attaches remediation hints to a command result.
type Advisor interface {
	Recommend(cmd mop.Command, res mop.CommandResult) []string
}

// progress is one runner's report after a step.
type progress struct {
	server           int
	completed        int
	done             bool
	connectionFailed bool
	line             string
}

// runner executes one server's ordered command list on a single session.
type runner struct {
	index          int
	server         mop.Server
	commands       []mop.Command
	connector      runtime.Connector
	advisor        Advisor
	defaultTimeout time.Duration
	dialLimiter    *rate.Limiter
	metrics        *observability.EngineMetrics
	logger         *slog.Logger
	report         func(progress)
	now            func() time.Time

	results       []mop.CommandResult
	byKey         map[string]mop.CommandResult
	connectFailed bool
}

// run walks the command list and returns the results recorded for this server.
// Cancellation is observed between commands; a command in flight always completes.
func (r *runner) run(ctx context.Context) []mop.CommandResult {
	r.byKey = make(map[string]mop.CommandResult, len(r.commands))

	ctx, span := otel.Tracer("mopplane/worker").Start(ctx, "server_run",
		trace.WithAttributes(
			attribute.String("server.host", r.server.Host),
			attribute.String("server.name", r.server.DisplayName()),
			attribute.String("server.transport", string(r.server.Transport)),
			attribute.Int("commands.total", len(r.commands)),
		),
	)
	defer span.End()

	if r.dialLimiter != nil {
		if err := r.dialLimiter.Wait(ctx); err != nil {
			return r.results
		}
	}
	if ctx.Err() != nil {
		return r.results
	}

	sess, err := r.connector.Connect(ctx, r.server)
	if err != nil {
		if ctx.Err() != nil {
			return r.results
		}
		r.connectFailed = true
		span.RecordError(err)
		span.SetStatus(codes.Error, "connection failed")
		r.metrics.RecordConnectFailure(ctx, transportName(r.server))
		r.logger.Warn("server unreachable", "server", r.server, "error", err)
		r.abandon(0, err)
		return r.results
	}
	defer sess.Close()

	r.logger.Debug("connected", "server", r.server)

	for i, cmd := range r.commands {
		if ctx.Err() != nil {
			return r.results
		}

		var lost error
		if cmd.Expand != nil {
			lost = r.runTemplate(ctx, sess, cmd)
		} else {
			lost = r.runCommand(ctx, sess, cmd)
		}
		if lost != nil {
			r.logger.Warn("connection lost", "server", r.server, "command_id", cmd.ID, "error", lost)
			r.abandon(i+1, lost)
			return r.results
		}

		r.report(progress{
			server:    r.index,
			completed: i + 1,
			line:      r.describe(cmd),
		})
	}

	r.report(progress{
		server:    r.index,
		completed: len(r.commands),
		done:      true,
		line:      fmt.Sprintf("%s: finished %d commands", r.server.DisplayName(), len(r.commands)),
	})
	return r.results
}

// runCommand resolves the skip condition of one concrete command and executes it.
// It returns an error only when the connection is lost.
func (r *runner) runCommand(ctx context.Context, sess runtime.Session, cmd mop.Command) error {
	if skipped, reason := skip.ShouldSkip(cmd, r.lookup); skipped {
		r.record(cmd, r.skippedResult(cmd, reason))
		return nil
	}

	res, err := r.execute(ctx, sess, cmd)
	r.record(cmd, res)
	if errors.Is(err, runtime.ErrConnectionLost) {
		return err
	}
	return nil
}

// runTemplate expands a template against its discovery output and runs every instance.
// An unmet skip condition on the template records one SKIPPED result for it and
// expands nothing; instances still carry the condition and check it again.
func (r *runner) runTemplate(ctx context.Context, sess runtime.Session, tmpl mop.Command) error {
	if skipped, reason := skip.ShouldSkip(tmpl, r.lookup); skipped {
		r.record(tmpl, r.skippedResult(tmpl, reason))
		return nil
	}

	var discovery string
	if src, ok := r.lookup(tmpl.Expand.Source); ok && src.Decision.Known() {
		discovery = src.Output
	}

	instances := expand.Expand(tmpl, discovery)
	if len(instances) == 0 {
		r.record(tmpl, r.skippedResult(tmpl, "no targets discovered"))
		return nil
	}

	for i, inst := range instances {
		if i > 0 && ctx.Err() != nil {
			break
		}
		if err := r.runCommand(ctx, sess, inst); err != nil {
			for _, rest := range instances[i+1:] {
				r.record(rest, r.unavailableResult(rest, err))
			}
			r.summarize(tmpl, instances)
			return err
		}
	}
	r.summarize(tmpl, instances)
	return nil
}

// summarize makes a template's combined outcome visible to later skip conditions.
// Any NOT_OK instance makes the template NOT_OK; it is OK only if some instance is OK.
func (r *runner) summarize(tmpl mop.Command, instances []mop.Command) {
	summary := mop.CommandResult{CommandID: tmpl.ID, Decision: mop.DecisionSkipped}
	var values, outputs []string
	for _, inst := range instances {
		res, ok := r.byKey[inst.Key()]
		if !ok {
			continue
		}
		switch {
		case res.Decision == mop.DecisionNotOK:
			summary.Decision = mop.DecisionNotOK
		case res.Decision == mop.DecisionOK && summary.Decision != mop.DecisionNotOK:
			summary.Decision = mop.DecisionOK
		case res.Decision == mop.DecisionNA && summary.Decision == mop.DecisionSkipped:
			summary.Decision = mop.DecisionNA
		}
		if res.Decision.Known() {
			values = append(values, res.ActualValue)
			outputs = append(outputs, strings.TrimRight(res.Output, "\n"))
		}
	}
	summary.ActualValue = strings.Join(values, "\n")
	summary.Output = strings.Join(outputs, "\n")
	r.byKey[tmpl.Key()] = summary
	r.byKey[tmpl.ID] = summary
}

// execute runs one command and evaluates its output.
func (r *runner) execute(ctx context.Context, sess runtime.Session, cmd mop.Command) (mop.CommandResult, error) {
	res := r.newResult(cmd)
	res.Command = expand.Render(cmd.Command, r.server)
	timeout := cmd.Timeout(r.defaultTimeout)

	ctx, span := otel.Tracer("mopplane/worker").Start(ctx, "command",
		trace.WithAttributes(
			attribute.String("command.id", cmd.ID),
			attribute.String("server.host", r.server.Host),
		),
	)
	defer span.End()

	// The job's cancellation must not interrupt a command that is already running.
	start := r.now()
	out, err := sess.Execute(context.WithoutCancel(ctx), res.Command, timeout)
	elapsed := r.now().Sub(start)

	if err != nil {
		span.RecordError(err)
		res.Decision = mop.DecisionNA
		res.Error = err.Error()
		switch {
		case errors.Is(err, runtime.ErrCommandTimeout):
			res.Reason = fmt.Sprintf("command timed out after %s", timeout)
		case errors.Is(err, runtime.ErrConnectionLost):
			res.Reason = "connection lost"
		default:
			res.Reason = "execution error"
		}
		r.advise(cmd, &res)
		r.metrics.RecordCommand(ctx, string(res.Decision), elapsed)
		return res, err
	}

	exit := out.ExitCode
	res.Output = out.Stdout
	res.Stderr = out.Stderr
	res.ExitStatus = &exit
	res.ActualValue = extract.Extract(out.Stdout, cmd.ExtractMethod)

	outcome := compare.Compare(res.ActualValue, cmd.ReferenceValue, cmd.ComparatorMethod)
	res.Decision = outcome.Decision
	res.Reason = outcome.Reason

	span.SetAttributes(
		attribute.Int("exit_code", exit),
		attribute.String("decision", string(res.Decision)),
	)
	r.advise(cmd, &res)
	r.metrics.RecordCommand(ctx, string(res.Decision), elapsed)
	return res, nil
}

func (r *runner) advise(cmd mop.Command, res *mop.CommandResult) {
	if r.advisor != nil {
		res.Recommendations = r.advisor.Recommend(cmd, *res)
	}
}

// abandon marks every command from position from onwards N_A and finishes the server.
func (r *runner) abandon(from int, cause error) {
	for _, cmd := range r.commands[from:] {
		r.record(cmd, r.unavailableResult(cmd, cause))
	}
	r.report(progress{
		server:           r.index,
		completed:        len(r.commands),
		done:             true,
		connectionFailed: true,
		line:             fmt.Sprintf("%s: %v", r.server.DisplayName(), cause),
	})
}

func (r *runner) record(cmd mop.Command, res mop.CommandResult) {
	r.results = append(r.results, res)
	r.byKey[cmd.Key()] = res
	r.byKey[cmd.ID] = res
}

func (r *runner) lookup(key string) (mop.CommandResult, bool) {
	res, ok := r.byKey[key]
	return res, ok
}

func (r *runner) newResult(cmd mop.Command) mop.CommandResult {
	return mop.CommandResult{
		ServerIP:        r.server.Host,
		ServerName:      r.server.Name,
		CommandID:       cmd.ID,
		CommandIDRef:    cmd.CommandIDRef,
		ExpandedFrom:    cmd.ExpandedFrom,
		Title:           cmd.Title,
		Command:         cmd.Command,
		ReferenceValue:  cmd.ReferenceValue,
		RollbackCommand: cmd.RollbackCommand,
		Timestamp:       r.now().UTC(),
	}
}

func (r *runner) skippedResult(cmd mop.Command, reason string) mop.CommandResult {
	res := r.newResult(cmd)
	res.Command = expand.Render(cmd.Command, r.server)
	res.Decision = mop.DecisionSkipped
	res.SkipReason = reason
	r.metrics.RecordCommand(context.Background(), string(res.Decision), 0)
	return res
}

func (r *runner) unavailableResult(cmd mop.Command, cause error) mop.CommandResult {
	res := r.newResult(cmd)
	res.Command = expand.Render(cmd.Command, r.server)
	res.Decision = mop.DecisionNA
	res.Error = cause.Error()
	res.Reason = "not executed: server unavailable"
	r.advise(cmd, &res)
	return res
}

// describe renders the log line for a finished MOP command.
func (r *runner) describe(cmd mop.Command) string {
	res, ok := r.byKey[cmd.Key()]
	if !ok {
		return fmt.Sprintf("%s: %s done", r.server.DisplayName(), cmd.ID)
	}
	line := fmt.Sprintf("%s: %s %s", r.server.DisplayName(), cmd.ID, res.Decision)
	switch {
	case res.SkipReason != "":
		line += " (" + res.SkipReason + ")"
	case res.Error != "":
		line += " (" + res.Error + ")"
	}
	return line
}

func transportName(s mop.Server) string {
	if s.Transport == "" {
		return string(mop.TransportSSH)
	}
	return string(s.Transport)
}
