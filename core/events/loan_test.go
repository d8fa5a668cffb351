package events

import (
	"testing"

	"github.com/holiman/uint256"
)

func TestLoanEventAttributes(t *testing.T) {
	opened := LoanOpened{LoanID: "l1", Trader: "mrg1trader", Custody: "mrgc1custody", Assets: []string{" usd", "eth "}}
	attrs := opened.Attributes()
	if attrs["assets"] != "USD,ETH" {
		t.Fatalf("unexpected assets attribute %q", attrs["assets"])
	}
	if attrs["loanId"] != "l1" {
		t.Fatalf("unexpected loan id %q", attrs["loanId"])
	}

	repaid := LoanRepaid{LoanID: "l1", Amount: uint256.NewInt(250), Closed: true}
	attrs = repaid.Attributes()
	if attrs["amount"] != "250" || attrs["principal"] != "0" || attrs["closed"] != "true" {
		t.Fatalf("unexpected repaid attributes %+v", attrs)
	}
}

func TestRecorderAndFanout(t *testing.T) {
	first := &Recorder{}
	second := &Recorder{}
	fan := Fanout{first, nil, second, NoopEmitter{}}

	fan.Emit(LoanFunded{LoanID: "l1", Amount: uint256.NewInt(1)})
	fan.Emit(LoanDeficiency{LoanID: "l1", Remaining: uint256.NewInt(7)})
	fan.Emit(nil)

	want := []string{TypeLoanFunded, TypeLoanDeficiency}
	for _, rec := range []*Recorder{first, second} {
		got := rec.Types()
		if len(got) != len(want) {
			t.Fatalf("expected %d events, got %v", len(want), got)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("event %d: expected %s, got %s", i, want[i], got[i])
			}
		}
	}
}
