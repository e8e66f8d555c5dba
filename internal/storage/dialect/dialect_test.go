package dialect

import (
	"errors"
	"testing"
)

func TestFromDriverName(t *testing.T) {
	for _, name := range []string{"sqlite", "SQLite3", ""} {
		d, err := FromDriverName(name)
		if err != nil {
			t.Fatalf("FromDriverName(%q) error = %v", name, err)
		}
		if d.Name() != "sqlite" {
			t.Errorf("Name() = %q, want sqlite", d.Name())
		}
	}

	if _, err := FromDriverName("oracle"); err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestSQLiteUpsertClause(t *testing.T) {
	d, _ := FromDriverName("sqlite")

	got := d.UpsertClause([]string{"session_id", "question_external_id"}, []string{"question_status"})
	want := "ON CONFLICT(session_id, question_external_id) DO UPDATE SET question_status=excluded.question_status"
	if got != want {
		t.Errorf("UpsertClause() = %q, want %q", got, want)
	}

	got = d.UpsertClause([]string{"session_id"}, nil)
	if got != "ON CONFLICT(session_id) DO NOTHING" {
		t.Errorf("UpsertClause() = %q", got)
	}
}

func TestSQLiteIsUniqueViolation_PlainError(t *testing.T) {
	d, _ := FromDriverName("sqlite")
	if d.IsUniqueViolation(errors.New("UNIQUE constraint failed")) {
		t.Error("plain errors should not be classified as driver constraint failures")
	}
	if d.IsUniqueViolation(nil) {
		t.Error("nil is not a violation")
	}
}
