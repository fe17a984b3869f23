package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/KevoDB/dataview/pkg/activity"
	"github.com/KevoDB/dataview/pkg/common/log"
	"github.com/KevoDB/dataview/pkg/transaction"
)

func newTestSession(t *testing.T, journal *activity.Journal) (*session, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	cfg := sessionConfig{
		views:    []string{"orders", "customers"},
		logger:   log.Discard(),
		registry: transaction.NewRegistry(),
	}
	if journal != nil {
		cfg.journal = journal
		cfg.sink = journal
	}
	s := newSession(&out, cfg)
	t.Cleanup(s.close)
	return s, &out
}

func run(t *testing.T, s *session, out *bytes.Buffer, line string) string {
	t.Helper()
	out.Reset()
	if _, err := s.execute(context.Background(), line); err != nil {
		t.Fatalf("%s: %v", line, err)
	}
	return out.String()
}

func TestSessionStageAndCommit(t *testing.T) {
	s, out := newTestSession(t, nil)

	run(t, s, out, "SET 1001 status=closed")
	run(t, s, out, "ADD 1004 customer=ada status=open total=10")
	run(t, s, out, "DELETE 1003")

	view := run(t, s, out, "VIEW")
	for _, want := range []string{"~ 1001", "+ 1004", "- 1003", "status=closed"} {
		if !strings.Contains(view, want) {
			t.Errorf("VIEW output missing %q:\n%s", want, view)
		}
	}

	if got := run(t, s, out, "SUMMARY"); !strings.Contains(got, "1 create, 1 update, 1 delete pending") {
		t.Errorf("unexpected summary: %s", got)
	}
	if got := s.prompt(); got != "stagectl:orders[3]> " {
		t.Errorf("unexpected prompt %q", got)
	}

	if got := run(t, s, out, "COMMIT"); !strings.Contains(got, "orders: 3 operations, 0 failed") {
		t.Errorf("unexpected commit output: %s", got)
	}

	items := s.tables["orders"].source.Items()
	if len(items) != 3 {
		t.Fatalf("expected 3 orders after commit, got %d", len(items))
	}
	for _, it := range items {
		if it["id"] == "1001" && it["status"] != "closed" {
			t.Errorf("order 1001 not updated: %v", it)
		}
		if it["id"] == "1003" {
			t.Errorf("order 1003 should be deleted")
		}
	}
}

func TestSessionFailureAndRollback(t *testing.T) {
	s, out := newTestSession(t, nil)

	run(t, s, out, "BEGIN PARTIAL")
	run(t, s, out, "SET 1001 status=closed")
	run(t, s, out, "SET 1002 status=closed")
	run(t, s, out, "FAIL 1002 backend down")

	got := run(t, s, out, "COMMIT")
	if !strings.Contains(got, "backend down") || !strings.Contains(got, "2 operations, 1 failed") {
		t.Errorf("unexpected commit output: %s", got)
	}

	// Partial success completes the transaction, so nothing is left to roll back
	if _, err := s.execute(context.Background(), "ROLLBACK"); err == nil {
		t.Error("expected ROLLBACK without a failed transaction to fail")
	}

	run(t, s, out, "HEAL")
	run(t, s, out, "SET 1001 status=open")
	run(t, s, out, "SET 1002 total=1")
	run(t, s, out, "FAIL 1002")

	got = run(t, s, out, "COMMIT")
	if !strings.Contains(got, "skipped") && !strings.Contains(got, "failed") {
		t.Errorf("expected failure details, got: %s", got)
	}
	if s.tables["orders"].lastFailed.Load() == nil {
		t.Fatal("expected the failed transaction to be remembered")
	}

	got = run(t, s, out, "ROLLBACK")
	if !strings.Contains(got, "status rolledback") {
		t.Errorf("unexpected rollback output: %s", got)
	}
	for _, it := range s.tables["orders"].source.Items() {
		if it["id"] == "1001" && it["status"] != "closed" {
			t.Errorf("rollback should restore 1001 to closed, got %v", it)
		}
	}
}

func TestSessionDeferredFailureRollback(t *testing.T) {
	var out bytes.Buffer
	s := newSession(&out, sessionConfig{
		views:    []string{"orders"},
		logger:   log.Discard(),
		registry: transaction.NewRegistry(),
		managerOps: []transaction.ManagerOption{
			transaction.WithDefaults(transaction.Config{Enabled: true, Timeout: 50 * time.Millisecond}),
		},
	})
	defer s.close()

	// Registered after the session's own listeners, so it runs last
	done := make(chan struct{})
	s.tables["orders"].view.Manager().On(transaction.EventTransactionError, func(transaction.Event[string, record]) {
		close(done)
	})

	run(t, s, &out, "FAIL 1002 backend down")
	run(t, s, &out, "SET 1001 status=closed")
	run(t, s, &out, "SET 1002 status=closed")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for the deferred commit to fail")
	}

	failed := s.tables["orders"].lastFailed.Load()
	if failed == nil || failed.Status != transaction.StatusFailed {
		t.Fatalf("Expected the failed deferred commit to be remembered, got %+v", failed)
	}

	got := run(t, s, &out, "ROLLBACK")
	if !strings.Contains(got, "status rolledback") {
		t.Errorf("Unexpected rollback output: %s", got)
	}
	if s.tables["orders"].lastFailed.Load() != nil {
		t.Error("A completed rollback should clear the failed transaction")
	}
	for _, it := range s.tables["orders"].source.Items() {
		if it["id"] == "1001" && it["status"] != "open" {
			t.Errorf("Rollback should restore 1001 to open, got %v", it)
		}
	}
}

func TestSessionBulkAndRemove(t *testing.T) {
	s, out := newTestSession(t, nil)

	if got := run(t, s, out, "BULK status=held ON 1001 1002"); !strings.Contains(got, "Staged 2 operations") {
		t.Errorf("unexpected bulk output: %s", got)
	}

	ops := s.tables["orders"].view.Manager().Operations()
	if len(ops) != 2 {
		t.Fatalf("expected 2 staged operations, got %d", len(ops))
	}
	if ops[0].Trigger != transaction.TriggerBulkAction {
		t.Errorf("expected bulk trigger, got %s", ops[0].Trigger)
	}

	run(t, s, out, "REMOVE "+ops[0].ID)
	if n := s.tables["orders"].view.Manager().Summary().Total; n != 1 {
		t.Errorf("expected 1 staged operation after REMOVE, got %d", n)
	}

	run(t, s, out, "CANCEL")
	if s.tables["orders"].view.Manager().HasOperations() {
		t.Error("CANCEL should discard staged operations")
	}
}

func TestSessionRegistryCommands(t *testing.T) {
	s, out := newTestSession(t, nil)

	run(t, s, out, "SET 1001 status=closed")
	run(t, s, out, ".use customers")
	run(t, s, out, "SET ada tier=platinum")

	views := run(t, s, out, ".views")
	if !strings.Contains(views, "* customers") || !strings.Contains(views, "1 update pending") {
		t.Errorf("unexpected .views output: %s", views)
	}
	if got := run(t, s, out, ".pending"); !strings.Contains(got, "2 updates pending") {
		t.Errorf("unexpected .pending output: %s", got)
	}

	run(t, s, out, ".commitall")
	if s.registry.HasOperations() {
		t.Error(".commitall should leave nothing staged")
	}

	stats := run(t, s, out, ".stats")
	if !strings.Contains(stats, "tx_commit") {
		t.Errorf("expected commit counter in stats:\n%s", stats)
	}

	run(t, s, out, "SET 1002 status=held")
	if got := run(t, s, out, ".cancelall"); !strings.Contains(got, "Cancelled 1 views") {
		t.Errorf("unexpected .cancelall output: %s", got)
	}
}

func TestSessionJournal(t *testing.T) {
	j, err := activity.OpenJournal(filepath.Join(t.TempDir(), "activity.journal"))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer j.Close()

	s, out := newTestSession(t, j)
	run(t, s, out, "SET 1001 status=closed")
	run(t, s, out, "COMMIT")

	got := run(t, s, out, ".journal")
	if !strings.Contains(got, "update 1001") || !strings.Contains(got, "transaction") {
		t.Errorf("unexpected journal output:\n%s", got)
	}
}

func TestSessionErrors(t *testing.T) {
	s, _ := newTestSession(t, nil)
	ctx := context.Background()

	for _, line := range []string{
		"SET 1001",
		"SET 1001 status",
		"SET 1001 id=9",
		"BULK status=x ON",
		"BEGIN SOMETIMES",
		"DELETE",
		".use nowhere",
	} {
		if _, err := s.execute(ctx, line); err == nil {
			t.Errorf("%q: expected an error", line)
		}
	}

	if _, err := s.execute(ctx, "SET 1001 status"); !errors.Is(err, errUsage) {
		t.Errorf("expected usage error, got %v", err)
	}
	if _, err := s.execute(ctx, "COMMIT"); !errors.Is(err, transaction.ErrNoTransaction) {
		t.Errorf("expected ErrNoTransaction, got %v", err)
	}
	if _, err := s.execute(ctx, ".journal"); err == nil {
		t.Error("expected .journal without a journal to fail")
	}

	quit, err := s.execute(ctx, ".exit")
	if err != nil || !quit {
		t.Errorf(".exit: quit=%v err=%v", quit, err)
	}
}
