package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/KevoDB/dataview/pkg/activity"
	"github.com/KevoDB/dataview/pkg/common/log"
	"github.com/KevoDB/dataview/pkg/dataview"
	"github.com/KevoDB/dataview/pkg/overlay"
	"github.com/KevoDB/dataview/pkg/stats"
	"github.com/KevoDB/dataview/pkg/telemetry"
	"github.com/KevoDB/dataview/pkg/transaction"
)

// record is one row of the console's in-memory tables.
type record map[string]string

func recordKey(r record) string { return r["id"] }

var errUsage = errors.New("usage")

// table is one mounted view plus the console state kept for it.
type table struct {
	view   *dataview.View[string, record]
	source *dataview.MemorySource[string, record]

	// lastFailed is set from listeners, which run on the timer goroutine
	// for deferred commits
	lastFailed atomic.Pointer[transaction.Transaction[string, record]]
}

// session executes console commands against a set of views.
type session struct {
	out      io.Writer
	registry *transaction.Registry
	tables   map[string]*table
	names    []string
	current  string
	stats    *stats.AtomicCollector
	journal  *activity.Journal
}

type sessionConfig struct {
	views      []string
	managerOps []transaction.ManagerOption
	sink       activity.Sink
	journal    *activity.Journal
	tel        telemetry.Telemetry
	logger     log.Logger
	registry   *transaction.Registry
}

func newSession(out io.Writer, cfg sessionConfig) *session {
	s := &session{
		out:      out,
		registry: cfg.registry,
		tables:   make(map[string]*table),
		stats:    stats.NewAtomicCollector(),
		journal:  cfg.journal,
	}
	if s.registry == nil {
		s.registry = transaction.DefaultRegistry()
	}
	if cfg.tel == nil {
		cfg.tel = telemetry.NewNoop()
	}
	if cfg.sink == nil {
		cfg.sink = activity.Discard()
	}
	if cfg.logger == nil {
		cfg.logger = log.Component("stagectl")
	}
	s.registry.SetTelemetry(cfg.tel)

	for _, name := range cfg.views {
		name := name
		src := dataview.NewMemorySource(recordKey, seedRecords(name)...)
		mopts := append([]transaction.ManagerOption{
			transaction.WithStats(s.stats),
			transaction.WithMetrics(transaction.NewMetrics(cfg.tel)),
			transaction.WithActivitySink(cfg.sink),
		}, cfg.managerOps...)

		v := dataview.New[string, record](name, src, recordKey,
			dataview.WithRegistry(s.registry),
			dataview.WithLogger(cfg.logger),
			dataview.WithTelemetry(cfg.tel),
			dataview.WithKeepDeleted(true),
			dataview.WithManagerOptions(mopts...),
		)

		t := &table{view: v, source: src}
		v.Manager().On(transaction.EventTransactionError, func(ev transaction.Event[string, record]) {
			if ev.Transaction != nil && ev.Transaction.Status == transaction.StatusFailed {
				t.lastFailed.Store(ev.Transaction)
			}
		})
		v.Manager().On(transaction.EventTransactionComplete, func(ev transaction.Event[string, record]) {
			s.printResults(name, ev.Results)
		})
		v.Manager().On(transaction.EventTransactionError, func(ev transaction.Event[string, record]) {
			if ev.Transaction == nil || ev.Transaction.Status != transaction.StatusFailed {
				fmt.Fprintf(s.out, "%s: commit failed: %v\n", name, ev.Err)
				return
			}
			s.printResults(name, ev.Results)
		})

		if err := v.Mount(); err != nil {
			fmt.Fprintf(out, "Error mounting %s: %v\n", name, err)
			continue
		}
		s.tables[name] = t
		s.names = append(s.names, name)
	}
	if len(s.names) > 0 {
		s.current = s.names[0]
	}
	return s
}

// seedRecords returns the sample rows a view starts with.
func seedRecords(view string) []record {
	switch view {
	case "orders":
		return []record{
			{"id": "1001", "customer": "ada", "status": "open", "total": "120"},
			{"id": "1002", "customer": "grace", "status": "open", "total": "75"},
			{"id": "1003", "customer": "linus", "status": "shipped", "total": "42"},
		}
	case "customers":
		return []record{
			{"id": "ada", "name": "Ada Lovelace", "tier": "gold"},
			{"id": "grace", "name": "Grace Hopper", "tier": "silver"},
		}
	default:
		return nil
	}
}

func (s *session) prompt() string {
	t := s.tables[s.current]
	if t == nil {
		return "stagectl> "
	}
	if n := t.view.Manager().Summary().Total; n > 0 {
		return fmt.Sprintf("stagectl:%s[%d]> ", s.current, n)
	}
	return fmt.Sprintf("stagectl:%s> ", s.current)
}

// execute runs one command line. quit reports whether the session should end.
func (s *session) execute(ctx context.Context, line string) (quit bool, err error) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false, nil
	}
	cmd := strings.ToUpper(parts[0])
	args := parts[1:]

	if strings.HasPrefix(cmd, ".") {
		return s.dotCommand(ctx, strings.ToLower(cmd), args)
	}

	t := s.tables[s.current]
	if t == nil {
		return false, fmt.Errorf("no view selected")
	}
	m := t.view.Manager()

	switch cmd {
	case "BEGIN":
		var opts []transaction.ConfigOption
		for _, a := range args {
			switch strings.ToUpper(a) {
			case "PARTIAL":
				opts = append(opts, transaction.WithAllowPartialSuccess(true))
			case "AUTO":
				opts = append(opts, transaction.WithAutoCommit(true))
			default:
				return false, fmt.Errorf("%w: BEGIN [PARTIAL] [AUTO]", errUsage)
			}
		}
		fmt.Fprintf(s.out, "Transaction %s\n", m.Begin(opts...))

	case "ADD":
		if len(args) < 1 {
			return false, fmt.Errorf("%w: ADD id field=value ...", errUsage)
		}
		fields, _, err := parseAssignments(args[1:])
		if err != nil {
			return false, err
		}
		fields["id"] = args[0]
		id, err := t.view.StageCreate(ctx, fields, "create "+args[0])
		if err != nil {
			return false, err
		}
		fmt.Fprintf(s.out, "Staged %s\n", id)

	case "SET":
		if len(args) < 2 {
			return false, fmt.Errorf("%w: SET id field=value ...", errUsage)
		}
		patch, names, err := parseAssignments(args[1:])
		if err != nil {
			return false, err
		}
		id, err := t.view.StageUpdate(ctx, args[0], patch, names, "update "+args[0])
		if err != nil {
			return false, err
		}
		fmt.Fprintf(s.out, "Staged %s\n", id)

	case "BULK":
		on := indexFold(args, "ON")
		if on < 1 || on == len(args)-1 {
			return false, fmt.Errorf("%w: BULK field=value ... ON id ...", errUsage)
		}
		patch, names, err := parseAssignments(args[:on])
		if err != nil {
			return false, err
		}
		ids, err := t.view.StageBulkUpdate(ctx, args[on+1:], patch, names, "bulk update")
		fmt.Fprintf(s.out, "Staged %d operations\n", len(ids))
		if err != nil {
			return false, err
		}

	case "DELETE":
		if len(args) != 1 {
			return false, fmt.Errorf("%w: DELETE id", errUsage)
		}
		id, err := t.view.StageDelete(ctx, args[0], "delete "+args[0])
		if err != nil {
			return false, err
		}
		fmt.Fprintf(s.out, "Staged %s\n", id)

	case "REMOVE":
		if len(args) != 1 {
			return false, fmt.Errorf("%w: REMOVE operation-id", errUsage)
		}
		if !m.RemoveOperation(args[0]) {
			return false, fmt.Errorf("no staged operation %s", args[0])
		}
		fmt.Fprintln(s.out, "Removed")

	case "OPS":
		for _, op := range m.Operations() {
			fmt.Fprintf(s.out, "%s  %-6s %-11s %-8s %s\n", op.ID, op.Type, op.Trigger, op.EntityID, strings.Join(op.ChangedFields, ","))
		}

	case "VIEW":
		rows, err := t.view.Rows(ctx)
		if err != nil {
			return false, err
		}
		s.printRows(rows)

	case "SUMMARY":
		fmt.Fprintf(s.out, "%s (estimated %s)\n", m.Summary(), m.EstimateDuration())

	case "REVIEW":
		if err := m.Review(); err != nil {
			return false, err
		}
		fmt.Fprintf(s.out, "Reviewing: %s\n", m.Summary())

	case "COMMIT":
		force := len(args) == 1 && strings.EqualFold(args[0], "FORCE")
		if _, err := m.Commit(ctx, force); err != nil {
			return false, err
		}

	case "CANCEL":
		if err := m.Cancel(); err != nil {
			return false, err
		}
		fmt.Fprintln(s.out, "Cancelled")

	case "ROLLBACK":
		failed := t.lastFailed.Load()
		if failed == nil {
			return false, fmt.Errorf("no failed transaction to roll back")
		}
		results, err := m.Rollback(ctx, failed)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(s.out, "Rollback %s: %d compensations, status %s\n", failed.ID, len(results), failed.Status)
		if failed.Status == transaction.StatusRolledBack {
			t.lastFailed.CompareAndSwap(failed, nil)
		}

	case "FAIL":
		if len(args) < 1 {
			return false, fmt.Errorf("%w: FAIL id [message]", errUsage)
		}
		msg := "injected failure"
		if len(args) > 1 {
			msg = strings.Join(args[1:], " ")
		}
		t.source.FailOn(args[0], errors.New(msg))
		fmt.Fprintf(s.out, "Writes to %s will fail\n", args[0])

	case "HEAL":
		t.source.ClearFailures()
		fmt.Fprintln(s.out, "Failures cleared")

	default:
		return false, fmt.Errorf("unknown command %q, enter .help for usage", parts[0])
	}

	return false, nil
}

func (s *session) dotCommand(ctx context.Context, cmd string, args []string) (bool, error) {
	switch cmd {
	case ".help":
		fmt.Fprint(s.out, helpText)

	case ".exit":
		return true, nil

	case ".views":
		for _, name := range s.names {
			marker := " "
			if name == s.current {
				marker = "*"
			}
			fmt.Fprintf(s.out, "%s %-12s %s\n", marker, name, s.tables[name].view.Manager().Summary())
		}

	case ".use":
		if len(args) != 1 {
			return false, fmt.Errorf("%w: .use VIEW", errUsage)
		}
		if _, ok := s.tables[args[0]]; !ok {
			return false, fmt.Errorf("unknown view %q", args[0])
		}
		s.current = args[0]

	case ".pending":
		fmt.Fprintln(s.out, s.registry.CombinedSummary())

	case ".commitall":
		for _, o := range s.registry.CommitAll(ctx) {
			if o.Err != nil {
				fmt.Fprintf(s.out, "%s: %v\n", o.ID, o.Err)
			}
		}

	case ".cancelall":
		fmt.Fprintf(s.out, "Cancelled %d views\n", s.registry.CancelAll())

	case ".stats":
		s.printStats()

	case ".journal":
		if s.journal == nil {
			return false, fmt.Errorf("no activity journal configured")
		}
		entries, err := activity.ReadJournal(s.journal.Path())
		for _, a := range entries {
			fmt.Fprintf(s.out, "%s %-11s %-8s %-9s %s %s\n",
				a.Timestamp.Format(time.RFC3339), a.Kind, a.Source, a.Status, a.EntityID, a.Label)
		}
		if err != nil {
			return false, err
		}

	default:
		return false, fmt.Errorf("unknown command %q, enter .help for usage", cmd)
	}
	return false, nil
}

func (s *session) printRows(rows []overlay.Row[string, record]) {
	for _, r := range rows {
		marker := " "
		switch r.State {
		case overlay.StateAdded:
			marker = "+"
		case overlay.StateEdited:
			marker = "~"
		case overlay.StateDeleted:
			marker = "-"
		}

		keys := make([]string, 0, len(r.Item))
		for k := range r.Item {
			if k != "id" {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)

		var b strings.Builder
		fmt.Fprintf(&b, "%s %-8s", marker, r.Key)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%s", k, r.Item[k])
		}
		fmt.Fprintln(s.out, b.String())
	}
}

func (s *session) printResults(view string, results []transaction.Result[string, record]) {
	failed := 0
	for _, r := range results {
		switch {
		case r.Skipped:
			fmt.Fprintf(s.out, "  skipped %s %s\n", r.Operation.Type, r.Operation.EntityID)
		case !r.Success:
			failed++
			fmt.Fprintf(s.out, "  failed  %s %s: %v\n", r.Operation.Type, r.Operation.EntityID, r.Err)
		}
	}
	fmt.Fprintf(s.out, "%s: %d operations, %d failed\n", view, len(results), failed)
}

func (s *session) printStats() {
	st := s.stats.GetStats()
	keys := make([]string, 0, len(st))
	for k := range st {
		// Timestamps are noise in an interactive listing
		if !strings.HasPrefix(k, "last_") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(s.out, "  %s: %v\n", k, st[k])
	}
}

// close unmounts every view.
func (s *session) close() {
	for _, name := range s.names {
		s.tables[name].view.Unmount()
	}
}

// parseAssignments parses field=value arguments.
func parseAssignments(args []string) (record, []string, error) {
	out := make(record, len(args))
	names := make([]string, 0, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok || k == "" {
			return nil, nil, fmt.Errorf("%w: expected field=value, got %q", errUsage, a)
		}
		if k == "id" {
			return nil, nil, fmt.Errorf("the id field cannot be changed")
		}
		out[k] = v
		names = append(names, k)
	}
	return out, names, nil
}

func indexFold(args []string, word string) int {
	for i, a := range args {
		if strings.EqualFold(a, word) {
			return i
		}
	}
	return -1
}
