package models

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func date(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := ParseDate(s)
	if err != nil {
		t.Fatalf("ParseDate(%q): %v", s, err)
	}
	return d
}

func TestNewDateWindow(t *testing.T) {
	tests := []struct {
		name      string
		start     string
		end       string
		wantError bool
	}{
		{"one day", "2024-01-01", "2024-01-02", false},
		{"month", "2024-01-01", "2024-02-01", false},
		{"empty window", "2024-01-01", "2024-01-01", true},
		{"reversed window", "2024-01-02", "2024-01-01", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDateWindow(date(t, tt.start), date(t, tt.end))
			if (err != nil) != tt.wantError {
				t.Fatalf("NewDateWindow() error = %v, wantError %v", err, tt.wantError)
			}
			if err != nil && !errors.Is(err, ErrInvalidWindow) {
				t.Errorf("expected ErrInvalidWindow, got %v", err)
			}
		})
	}
}

func TestNewDateWindow_TruncatesToDays(t *testing.T) {
	start := time.Date(2024, 1, 1, 17, 30, 0, 0, time.UTC)
	end := time.Date(2024, 1, 3, 1, 0, 0, 0, time.UTC)

	w, err := NewDateWindow(start, end)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w.String() != "[2024-01-01, 2024-01-03)" {
		t.Errorf("unexpected window %s", w)
	}
	if w.Len() != 2 {
		t.Errorf("expected 2 days, got %d", w.Len())
	}
}

func TestParseDateWindow_InvalidDate(t *testing.T) {
	if _, err := ParseDateWindow("2024-13-01", "2024-12-01"); err == nil {
		t.Error("expected error for invalid month")
	}
	if _, err := ParseDateWindow("2024-01-01", "01/02/2024"); err == nil {
		t.Error("expected error for non ISO date")
	}
}

func TestDateWindow_Shift(t *testing.T) {
	w, err := ParseDateWindow("2024-02-27", "2024-03-02")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, n := range []int{0, 1, -1, 7, -30, 365} {
		shifted := w.Shift(n)
		if got := shifted.Shift(-n); got != w {
			t.Errorf("Shift(%d).Shift(%d) = %s, want %s", n, -n, got, w)
		}
		if shifted.Len() != w.Len() {
			t.Errorf("Shift(%d) changed the window length", n)
		}
	}

	if w.Shift(0) != w {
		t.Error("Shift(0) must be the identity")
	}

	next := w.Shift(1)
	if next.Start.Format(DateLayout) != "2024-02-28" || next.End.Format(DateLayout) != "2024-03-03" {
		t.Errorf("unexpected shifted window %s", next)
	}
}

func TestDateWindow_Contains(t *testing.T) {
	w, _ := ParseDateWindow("2024-01-01", "2024-01-03")

	tests := []struct {
		name string
		t    time.Time
		want bool
	}{
		{"start is included", date(t, "2024-01-01"), true},
		{"inside", time.Date(2024, 1, 2, 23, 59, 59, 0, time.UTC), true},
		{"end is excluded", date(t, "2024-01-03"), false},
		{"late on end day", time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC), false},
		{"before start", date(t, "2023-12-31"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := w.Contains(tt.t); got != tt.want {
				t.Errorf("Contains(%v) = %v, want %v", tt.t, got, tt.want)
			}
		})
	}
}

func TestDateWindow_Days(t *testing.T) {
	w, _ := ParseDateWindow("2024-01-30", "2024-02-02")
	days := w.Days()

	want := []string{"2024-01-30", "2024-01-31", "2024-02-01"}
	if len(days) != len(want) {
		t.Fatalf("expected %d days, got %d", len(want), len(days))
	}
	for i, d := range days {
		if d.Format(DateLayout) != want[i] {
			t.Errorf("day %d = %s, want %s", i, d.Format(DateLayout), want[i])
		}
	}

	fw := w.FileWindow()
	if fw.Start.Format(DateLayout) != "2024-01-31" {
		t.Errorf("file window should start one day later, got %s", fw)
	}
}

func TestDateWindow_EndingBy(t *testing.T) {
	w, _ := ParseDateWindow("2024-01-04", "2024-01-07")
	tests := []struct {
		name  string
		today string
		want  string
	}{
		{"ends in the past", "2024-01-09", "[2024-01-04, 2024-01-07)"},
		{"ends today", "2024-01-07", "[2024-01-04, 2024-01-07)"},
		{"ends after today", "2024-01-05", "[2024-01-04, 2024-01-05)"},
		{"starts today", "2024-01-04", "[2024-01-04, 2024-01-07)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			today := date(t, tt.today).Add(15 * time.Hour)
			if got := w.EndingBy(today).String(); got != tt.want {
				t.Errorf("EndingBy(%s) = %s, want %s", tt.today, got, tt.want)
			}
		})
	}
}

func TestDateWindow_JSON(t *testing.T) {
	w, _ := ParseDateWindow("2024-01-01", "2024-01-08")

	data, err := json.Marshal(w)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(data) != `{"start":"2024-01-01","end":"2024-01-08"}` {
		t.Errorf("unexpected JSON %s", data)
	}

	var back DateWindow
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if back != w {
		t.Errorf("round trip changed window: %s", back)
	}
}

func TestTransactionRecord_Validate(t *testing.T) {
	valid := TransactionRecord{
		Source:    "CARDPAYMENT",
		Date:      date(t, "2024-01-01"),
		Amount:    decimal.NewFromFloat(10.5),
		Reference: "REQ-1",
	}

	tests := []struct {
		name      string
		mutate    func(r *TransactionRecord)
		wantError bool
	}{
		{"valid", func(r *TransactionRecord) {}, false},
		{"empty source", func(r *TransactionRecord) { r.Source = " " }, true},
		{"empty reference", func(r *TransactionRecord) { r.Reference = "" }, true},
		{"zero date", func(r *TransactionRecord) { r.Date = time.Time{} }, true},
		{"zero amount is allowed", func(r *TransactionRecord) { r.Amount = decimal.Zero }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid
			tt.mutate(&r)
			if err := r.Validate(); (err != nil) != tt.wantError {
				t.Errorf("Validate() error = %v, wantError %v", err, tt.wantError)
			}
		})
	}
}

func TestTransactionRecord_Values(t *testing.T) {
	r := TransactionRecord{
		Source:          "CYBERSOURCE",
		Date:            date(t, "2024-01-01"),
		MerchantID:      "m1",
		Amount:          decimal.RequireFromString("12.34"),
		CardType:        "VISA",
		Reference:       "R1",
		TransactionTime: time.Date(0, 1, 1, 13, 5, 9, 0, time.UTC),
	}

	values := r.Values()
	if len(values) != len(TransactionColumns) {
		t.Fatalf("expected %d values, got %d", len(TransactionColumns), len(values))
	}
	if values[1] != "2024-01-01" {
		t.Errorf("expected date text, got %v", values[1])
	}
	if values[6] != "13:05:09" {
		t.Errorf("expected time text, got %v", values[6])
	}
	if !r.RecordAmount().Equal(decimal.RequireFromString("12.34")) {
		t.Errorf("unexpected amount %s", r.RecordAmount())
	}
}

func TestScanTransaction(t *testing.T) {
	src, merchant := "DMS", "m9"
	scan := func(dest ...any) error {
		*(dest[0].(**string)) = &src
		*(dest[1].(*any)) = "2024-03-04"
		*(dest[2].(**string)) = &merchant
		if err := dest[3].(*decimal.Decimal).Scan("99.10"); err != nil {
			return err
		}
		*(dest[5].(*string)) = "F-1"
		*(dest[6].(*any)) = []byte("08:00:00")
		return nil
	}

	r, err := ScanTransaction(scan)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Source != "DMS" || r.MerchantID != "m9" || r.Reference != "F-1" {
		t.Errorf("unexpected record %+v", r)
	}
	if r.Date.Format(DateLayout) != "2024-03-04" {
		t.Errorf("unexpected date %s", r.Date)
	}
	if r.TransactionTime.Hour() != 8 {
		t.Errorf("unexpected time %s", r.TransactionTime)
	}
	if r.CardType != "" || r.CorrelationID != "" {
		t.Error("null columns should scan to empty strings")
	}
}

func TestDateValue(t *testing.T) {
	tests := []struct {
		name      string
		value     any
		want      string
		wantError bool
	}{
		{"text", "2024-01-02", "2024-01-02", false},
		{"bytes", []byte("2024-01-02"), "2024-01-02", false},
		{"timestamp text", "2024-01-02T00:00:00Z", "2024-01-02", false},
		{"time", time.Date(2024, 1, 2, 5, 0, 0, 0, time.UTC), "2024-01-02", false},
		{"null", nil, "", true},
		{"number", 42, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DateValue(tt.value)
			if (err != nil) != tt.wantError {
				t.Fatalf("DateValue() error = %v, wantError %v", err, tt.wantError)
			}
			if err == nil && got.Format(DateLayout) != tt.want {
				t.Errorf("DateValue() = %s, want %s", got.Format(DateLayout), tt.want)
			}
		})
	}
}

func TestBatchResult_Merge(t *testing.T) {
	total := BatchResult{Target: "t"}
	total.Merge(BatchResult{Batches: 2, Committed: 20, Amount: decimal.NewFromInt(5)})
	failure := errors.New("boom")
	total.Merge(BatchResult{Batches: 1, Committed: 10, Amount: decimal.NewFromInt(1), Lost: 3, Err: failure})
	total.Merge(BatchResult{Err: errors.New("later")})

	if total.Batches != 3 || total.Committed != 30 || total.Lost != 3 {
		t.Errorf("unexpected counts %+v", total)
	}
	if !total.Amount.Equal(decimal.NewFromInt(6)) {
		t.Errorf("unexpected amount %s", total.Amount)
	}
	if !errors.Is(total.Err, failure) || !total.Failed() {
		t.Errorf("expected first error to win, got %v", total.Err)
	}
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		input     string
		expected  string
		wantError bool
	}{
		{"100.50", "100.5", false},
		{"$1,250.75", "1250.75", false},
		{"  -500.00  ", "-500", false},
		{"(25.00)", "-25", false},
		{"", "", true},
		{"abc", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseAmount(tt.input)
			if (err != nil) != tt.wantError {
				t.Fatalf("ParseAmount() error = %v, wantError %v", err, tt.wantError)
			}
			if err == nil && got.String() != tt.expected {
				t.Errorf("ParseAmount() = %s, want %s", got.String(), tt.expected)
			}
		})
	}
}

func TestParseTimeWithFormats(t *testing.T) {
	inputs := []string{
		"2024-01-15T10:30:00Z",
		"2024-01-15 10:30:00",
		"2024-01-15",
		"01/15/2024 10:30",
		"1/5/2024",
	}
	for _, in := range inputs {
		if _, err := ParseTimeWithFormats(in); err != nil {
			t.Errorf("ParseTimeWithFormats(%q) failed: %v", in, err)
		}
	}
	if _, err := ParseTimeWithFormats("yesterday"); err == nil {
		t.Error("expected error for free text")
	}
}

func TestMatchRule_Validate(t *testing.T) {
	d := date(t, "2024-01-01")
	promote := MatchRule{
		Name:       "CS->CARDPAYMENT",
		Kind:       PromoteIfUnmatched,
		Date:       d,
		Source:     "cybersource",
		Target:     "cs_cardpayment",
		DateColumn: "txn_date",
		TargetKeys: []KeyPair{{Source: "reference_id", Counterpart: "reference_id"}},
	}
	flag := MatchRule{
		Name:                   "CARDPAYMENT->DMS",
		Kind:                   FlagUnmatched,
		Date:                   d,
		Source:                 "cardpayment",
		Target:                 "cardpayment_dms",
		DateColumn:             "txn_date",
		Counterpart:            "dms",
		CounterpartKeys:        []KeyPair{{Source: "correlation_id", Counterpart: "reference_id"}},
		CounterpartDateColumns: []string{"txn_date", "post_date"},
	}

	tests := []struct {
		name    string
		rule    MatchRule
		wantErr string
	}{
		{"valid promote", promote, ""},
		{"valid flag", flag, ""},
		{"unknown kind", func() MatchRule { r := promote; r.Kind = "merge"; return r }(), "unknown kind"},
		{"promote without keys", func() MatchRule { r := promote; r.TargetKeys = nil; return r }(), "target keys"},
		{"flag without counterpart", func() MatchRule { r := flag; r.Counterpart = ""; return r }(), "counterpart"},
		{"flag without dates", func() MatchRule { r := flag; r.CounterpartDateColumns = nil; return r }(), "date columns"},
		{"injected table", func() MatchRule { r := promote; r.Target = "t; DROP TABLE x"; return r }(), "invalid identifier"},
		{"negative adjacency", func() MatchRule { r := flag; r.AdjacentDays = -1; return r }(), "negative"},
		{"enrich on promote", func() MatchRule { r := promote; r.Enrich = &Enrichment{Column: "a", From: "b", Days: 1}; return r }(), "enrichment"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rule.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidIdentifier(t *testing.T) {
	for _, ok := range []string{"trust_cardpayment", "TRUST.CARDPAYMENT", "_x1"} {
		if !ValidIdentifier(ok) {
			t.Errorf("expected %q to be valid", ok)
		}
	}
	for _, bad := range []string{"", "1abc", "a-b", "a b", "a.b.c", "x;--"} {
		if ValidIdentifier(bad) {
			t.Errorf("expected %q to be rejected", bad)
		}
	}
}
