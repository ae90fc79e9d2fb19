package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/aymankanso/agent/internal/domain"
	"github.com/aymankanso/agent/internal/usecase/swarm"
)

const stopTimeout = 15 * time.Second

// runCmd runs one session in the foreground. Ctrl-C cancels the session;
// its records are kept.
func runCmd(args []string) error {
	f, err := parseFlags(args)
	if err != nil {
		return err
	}
	objective := strings.TrimSpace(strings.Join(f.args, " "))
	if objective == "" {
		return errors.New(`usage: swarm run [--config PATH] "objective"`)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, f.config)
	if err != nil {
		return err
	}
	defer a.Close()

	a.scheduler.Start(ctx)
	if a.observer != nil {
		go func() {
			if err := a.observer.Start(ctx); err != nil {
				a.logger.Error("observer stopped", "error", err)
			}
		}()
	}

	unsubscribe := a.bus.SubscribeAll(func(_ context.Context, e domain.Event) {
		if f.json {
			_ = json.NewEncoder(os.Stdout).Encode(e)
			return
		}
		printEvent(os.Stdout, e)
	})
	defer unsubscribe()

	s, err := a.manager.Start(ctx, objective)
	if err != nil {
		return err
	}
	id := s.Engine.SessionID()
	fmt.Fprintf(os.Stderr, "session %s started\n", id)

	select {
	case <-s.Done():
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "interrupted, cancelling session")
		_ = a.manager.Cancel(id)
		<-s.Done()
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := a.manager.Shutdown(stopCtx); err != nil {
		a.logger.Warn("manager shutdown", "error", err)
	}
	a.scheduler.Stop()
	if a.observer != nil {
		_ = a.observer.Stop(stopCtx)
	}
	// Flush queued events before the summary.
	a.bus.Close()

	st := s.Engine.State()
	fmt.Fprintf(os.Stderr, "session %s: %d iterations, %d messages, terminated=%v\n",
		id, st.Iterations, len(st.Messages), st.Terminated)
	if err := s.Err(); err != nil && !domain.IsTerminal(err) {
		return err
	}
	return nil
}

func sessionsCmd(args []string) error {
	f, err := parseFlags(args)
	if err != nil {
		return err
	}
	ctx := context.Background()
	a, err := newStorageApp(ctx, f.config)
	if err != nil {
		return err
	}
	defer a.Close()

	list, err := a.recorder.List(ctx)
	if err != nil {
		return err
	}
	limit := f.limit
	if limit == 0 {
		limit = 20
	}
	if len(list) > limit {
		list = list[:limit]
	}
	if f.json {
		return json.NewEncoder(os.Stdout).Encode(list)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tSTARTED\tRECORDS\tDONE\tOBJECTIVE")
	for _, s := range list {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%v\t%s\n",
			s.SessionID, s.StartedAt.Local().Format(time.DateTime), s.Records, s.Complete, oneLine(s.Preview, 60))
	}
	return tw.Flush()
}

func replayCmd(args []string) error {
	f, err := parseFlags(args)
	if err != nil {
		return err
	}
	if len(f.args) != 1 {
		return errors.New("usage: swarm replay [--config PATH] [--json] <session-id>")
	}
	id := f.args[0]

	ctx := context.Background()
	a, err := newStorageApp(ctx, f.config)
	if err != nil {
		return err
	}
	defer a.Close()

	recs, err := a.recorder.Records(ctx, id)
	if err != nil {
		return err
	}
	st, err := swarm.Replay(id, recs)
	if err != nil {
		return err
	}
	if f.json {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}

	fmt.Printf("session %s\nobjective: %s\n\n", st.SessionID, st.Objective)
	for _, m := range st.Messages {
		printMessage(os.Stdout, m)
	}
	fmt.Printf("\n%d iterations, active agent %s, terminated=%v\n", st.Iterations, st.ActiveAgent, st.Terminated)
	return nil
}

func recallCmd(args []string) error {
	f, err := parseFlags(args)
	if err != nil {
		return err
	}
	query := strings.TrimSpace(strings.Join(f.args, " "))
	if query == "" {
		return errors.New(`usage: swarm recall [--config PATH] [--limit N] "query"`)
	}

	ctx := context.Background()
	a, err := newStorageApp(ctx, f.config)
	if err != nil {
		return err
	}
	defer a.Close()
	if a.longTerm.Name() == "inmem" {
		fmt.Fprintln(os.Stderr, "note: memory.long_term.backend is inmem; archives do not outlive a run")
	}

	limit := f.limit
	if limit == 0 {
		limit = 5
	}
	items, err := a.longTerm.Query(ctx, swarm.ArchiveNamespace, query, limit)
	if err != nil {
		return err
	}
	if f.json {
		return json.NewEncoder(os.Stdout).Encode(items)
	}
	for _, it := range items {
		fmt.Printf("%s  %s  agents=%s\n  %s\n",
			it.Metadata["session_id"], it.CreatedAt.Local().Format(time.DateTime), it.Metadata["agents"], oneLine(it.Content, 120))
	}
	return nil
}

func printEvent(w io.Writer, e domain.Event) {
	var m domain.Message
	if err := json.Unmarshal(e.Payload, &m); err != nil {
		fmt.Fprintf(w, "[%d] %s\n", e.Sequence, e.Kind)
		return
	}
	printMessage(w, m)
}

func printMessage(w io.Writer, m domain.Message) {
	who := m.Agent
	if who == "" {
		who = "user"
	}
	switch m.Kind {
	case domain.KindToolCall:
		var p domain.ToolCallPayload
		_ = json.Unmarshal(m.Payload, &p)
		fmt.Fprintf(w, "[%d] %s -> %s (%s risk) %s\n", m.Sequence, who, p.ToolID, p.RiskTier, oneLine(string(p.Params), 80))
	case domain.KindToolResult:
		var r domain.ToolInvocationResult
		_ = json.Unmarshal(m.Payload, &r)
		fmt.Fprintf(w, "[%d] %s <- %s %s after %d attempt(s): %s\n",
			m.Sequence, who, r.ToolID, r.Outcome, r.Attempts, oneLine(m.Content, 100))
	case domain.KindHandoff:
		var h domain.HandoffPayload
		_ = json.Unmarshal(m.Payload, &h)
		fmt.Fprintf(w, "[%d] handoff %s -> %s\n", m.Sequence, h.From, h.To)
	default:
		fmt.Fprintf(w, "[%d] %s %s: %s\n", m.Sequence, m.Kind, who, oneLine(m.Content, 120))
	}
}

func oneLine(s string, width int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > width {
		return string(r[:width-1]) + "…"
	}
	return s
}
