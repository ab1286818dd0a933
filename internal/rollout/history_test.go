package rollout

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func containers(entries []Entry) []string {
	var out []string
	for _, e := range entries {
		out = append(out, e.Container)
	}
	return out
}

func TestHistory_FailMovesEntryLast(t *testing.T) {
	t.Parallel()
	h := NewHistory()
	h.begin("j1", StopThenStartAll)

	a := h.append(Entry{JobID: "j1", Container: "a"})
	h.append(Entry{JobID: "j1", Container: "b"})
	h.append(Entry{JobID: "j1", Container: "c"})
	h.fail(a, StepStart, errors.New("boom"))

	entries := h.Entries("j1")
	if diff := cmp.Diff([]string{"b", "c", "a"}, containers(entries)); diff != "" {
		t.Errorf("order (-want +got):\n%s", diff)
	}
	last := entries[len(entries)-1]
	if last.Step != StepStart || last.Err != "boom" || !last.Failed() {
		t.Errorf("unexpected failed entry: %+v", last)
	}
}

func TestHistory_SealFreezes(t *testing.T) {
	t.Parallel()
	h := NewHistory()
	h.begin("j1", StopThenStartEach)
	e := h.append(Entry{JobID: "j1", Container: "a"})
	h.Seal("j1")

	h.append(Entry{JobID: "j1", Container: "late"})
	h.fail(e, StepStop, errors.New("late failure"))
	if h.begin("j1", StartThenStopEach) {
		t.Error("expected begin on a sealed history to fail")
	}

	entries := h.Entries("j1")
	if diff := cmp.Diff([]string{"a"}, containers(entries)); diff != "" {
		t.Errorf("entries (-want +got):\n%s", diff)
	}
	if s, _ := h.Strategy("j1"); s != StopThenStartEach {
		t.Errorf("strategy changed after seal: %s", s)
	}
	if !h.Sealed("j1") {
		t.Error("expected sealed")
	}
}

func TestHistory_EntriesAreCopies(t *testing.T) {
	t.Parallel()
	h := NewHistory()
	h.begin("j1", StopThenStartEach)
	e := h.append(Entry{JobID: "j1", Container: "a"})
	h.comment(e, "first")

	entries := h.Entries("j1")
	entries[0].Comments[0] = "changed"
	entries[0].Container = "changed"

	again := h.Entries("j1")
	if again[0].Container != "a" || again[0].Comments[0] != "first" {
		t.Errorf("history mutated through a copy: %+v", again[0])
	}
}

func TestHistory_UnknownJob(t *testing.T) {
	t.Parallel()
	h := NewHistory()
	h.append(Entry{JobID: "ghost", Container: "a"})
	if h.Has("ghost") || h.Entries("ghost") != nil {
		t.Error("entries must not be recorded for a job that never began")
	}
	h.Seal("ghost")
	if h.Sealed("ghost") {
		t.Error("sealing an unknown job must not create it")
	}
}
