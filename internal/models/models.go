package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TimeLayout is the layout of the transaction time column.
const TimeLayout = "15:04:05"

// TransactionColumns is the canonical column set shared by every working
// table the built-in sources write to.
var TransactionColumns = []string{
	"source",
	"txn_date",
	"merchant_id",
	"amount",
	"card_type",
	"reference_id",
	"txn_time",
	"correlation_id",
}

// TransactionRecord is a normalized transaction row. Records are created by
// a loader during extraction and never mutated once inserted.
type TransactionRecord struct {
	Source          string          `json:"source"`
	Date            time.Time       `json:"date"`
	MerchantID      string          `json:"merchantId"`
	Amount          decimal.Decimal `json:"amount"`
	CardType        string          `json:"cardType"`
	Reference       string          `json:"reference"`
	TransactionTime time.Time       `json:"transactionTime"`
	CorrelationID   string          `json:"correlationId,omitempty"`
}

// Validate performs basic validation on the TransactionRecord
func (r *TransactionRecord) Validate() error {
	if strings.TrimSpace(r.Source) == "" {
		return fmt.Errorf("transaction source cannot be empty")
	}
	if strings.TrimSpace(r.Reference) == "" {
		return fmt.Errorf("transaction reference cannot be empty")
	}
	if r.Date.IsZero() {
		return fmt.Errorf("transaction date cannot be zero")
	}
	return nil
}

// Values returns the column values in TransactionColumns order.
func (r TransactionRecord) Values() []any {
	txnTime := ""
	if !r.TransactionTime.IsZero() {
		txnTime = r.TransactionTime.Format(TimeLayout)
	}
	return []any{
		r.Source,
		r.Date.Format(DateLayout),
		r.MerchantID,
		r.Amount,
		r.CardType,
		r.Reference,
		txnTime,
		r.CorrelationID,
	}
}

// RecordAmount returns the amount counted in load totals.
func (r TransactionRecord) RecordAmount() decimal.Decimal {
	return r.Amount
}

// String returns a string representation of the TransactionRecord
func (r *TransactionRecord) String() string {
	return fmt.Sprintf("TransactionRecord{Source: %s, Ref: %s, Date: %s, Amount: %s}",
		r.Source, r.Reference, r.Date.Format(DateLayout), r.Amount.String())
}

// MarshalJSON implements custom JSON marshaling for TransactionRecord
func (r *TransactionRecord) MarshalJSON() ([]byte, error) {
	type Alias TransactionRecord
	txnTime := ""
	if !r.TransactionTime.IsZero() {
		txnTime = r.TransactionTime.Format(TimeLayout)
	}
	return json.Marshal(&struct {
		Amount          string `json:"amount"`
		Date            string `json:"date"`
		TransactionTime string `json:"transactionTime,omitempty"`
		*Alias
	}{
		Amount:          r.Amount.String(),
		Date:            r.Date.Format(DateLayout),
		TransactionTime: txnTime,
		Alias:           (*Alias)(r),
	})
}

// ScanTransaction reads one row selected with TransactionColumns.
func ScanTransaction(scan func(dest ...any) error) (TransactionRecord, error) {
	var (
		r                TransactionRecord
		date, txnTime    any
		merchant, card   *string
		correlation, src *string
	)
	if err := scan(&src, &date, &merchant, &r.Amount, &card, &r.Reference, &txnTime, &correlation); err != nil {
		return r, err
	}
	d, err := DateValue(date)
	if err != nil {
		return r, err
	}
	r.Date = d
	r.Source = deref(src)
	r.MerchantID = deref(merchant)
	r.CardType = deref(card)
	r.CorrelationID = deref(correlation)
	if s, ok := textValue(txnTime); ok && s != "" {
		if t, err := time.Parse(TimeLayout, s); err == nil {
			r.TransactionTime = t
		}
	} else if t, ok := txnTime.(time.Time); ok {
		r.TransactionTime = t
	}
	return r, nil
}

// DateValue converts a date column value returned by either store driver.
func DateValue(v any) (time.Time, error) {
	switch val := v.(type) {
	case time.Time:
		return Day(val), nil
	case string, []byte:
		s, _ := textValue(val)
		if len(s) >= len(DateLayout) {
			s = s[:len(DateLayout)]
		}
		return ParseDate(s)
	case nil:
		return time.Time{}, fmt.Errorf("date value is null")
	default:
		return time.Time{}, fmt.Errorf("unsupported date value %T", v)
	}
}

func textValue(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case []byte:
		return string(val), true
	default:
		return "", false
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// ProcessedFileEntry records a file whose rows were fully committed.
type ProcessedFileEntry struct {
	FileName    string    `json:"fileName"`
	ProcessedAt time.Time `json:"processedAt"`
}

// LoaderRegistration places a trusted loader in the run order.
type LoaderRegistration struct {
	Name     string `json:"name"`
	Priority int    `json:"priority"`
}

// StatSnapshot is a per-date, per-source aggregate.
type StatSnapshot struct {
	Date   time.Time       `json:"date"`
	Source string          `json:"source"`
	Count  int64           `json:"count"`
	Total  decimal.Decimal `json:"total"`
}

// Key identifies the snapshot within one collection.
func (s StatSnapshot) Key() string {
	return s.Date.Format(DateLayout) + "|" + s.Source
}

// BatchResult is the outcome of streaming one row sequence into a table.
// A failed result still reports what was committed before the failure.
type BatchResult struct {
	Target    string          `json:"target"`
	Batches   int             `json:"batches"`
	Committed int             `json:"committed"`
	Amount    decimal.Decimal `json:"amount"`
	Lost      int             `json:"lost,omitempty"`
	Err       error           `json:"-"`
}

// Failed reports whether the stream stopped on an error.
func (r BatchResult) Failed() bool {
	return r.Err != nil
}

// Merge adds the counts of other into r. The first error wins.
func (r *BatchResult) Merge(other BatchResult) {
	r.Batches += other.Batches
	r.Committed += other.Committed
	r.Amount = r.Amount.Add(other.Amount)
	r.Lost += other.Lost
	if r.Err == nil {
		r.Err = other.Err
	}
}

// ParseAmount parses a decimal amount from report text
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("amount string cannot be empty")
	}

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = strings.Trim(s, "()")
	}
	s = strings.ReplaceAll(s, "$", "")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSpace(s)

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid decimal format '%s': %w", s, err)
	}
	if negative {
		d = d.Neg()
	}
	return d, nil
}

// ParseTimeWithFormats attempts to parse time from string using multiple common formats
func ParseTimeWithFormats(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("time string cannot be empty")
	}

	formats := []string{
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		"2006-01-02",
		"01/02/2006 15:04:05",
		"01/02/2006 15:04",
		"01/02/2006",
		"1/2/2006",
		"2006/01/02",
	}

	var lastErr error
	for _, format := range formats {
		t, err := time.Parse(format, s)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}

	return time.Time{}, fmt.Errorf("unable to parse time '%s': %w", s, lastErr)
}
