package symbols

import (
	"errors"
	"reflect"
	"testing"
)

func TestParse_Valid(t *testing.T) {
	got, err := Parse(" tqqq, SOXL ,,TQQQ,brk.b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"TQQQ", "SOXL", "BRK.B"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestParse_Empty(t *testing.T) {
	got, err := Parse("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty universe, got %v", got)
	}
}

func TestParse_InvalidFormat(t *testing.T) {
	tests := []string{
		"TQQQ,$$$",
		"1ABC",
		"TOOLONGTICKER1",
		"TQ QQ",
		"SPY..B",
	}
	for _, csv := range tests {
		_, err := Parse(csv)
		if !errors.Is(err, ErrInvalidSymbol) {
			t.Errorf("expected ErrInvalidSymbol for %q, got %v", csv, err)
		}
	}
}

func TestJoin_RoundTrip(t *testing.T) {
	list := []string{"TQQQ", "SCHD", "TMF"}
	back, err := Parse(Join(list))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(list, back) {
		t.Errorf("expected %v, got %v", list, back)
	}
}

func TestDiff(t *testing.T) {
	removed := Diff([]string{"TQQQ", "SOXL", "TMF"}, []string{"TMF", "SCHD"})
	want := []string{"TQQQ", "SOXL"}
	if !reflect.DeepEqual(removed, want) {
		t.Errorf("expected %v, got %v", want, removed)
	}
	if got := Diff([]string{"TQQQ"}, []string{"TQQQ"}); len(got) != 0 {
		t.Errorf("expected no removals, got %v", got)
	}
}
