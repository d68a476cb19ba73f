package sources

import (
	"context"
	"iter"
	"strings"

	"golang-trust-loader/internal/fileselect"
	"golang-trust-loader/internal/loader"
	"golang-trust-loader/internal/models"
	"golang-trust-loader/internal/parsers"
	apperrors "golang-trust-loader/pkg/errors"
)

// Cybersource report columns.
var cybersourceColumns = []string{
	"request_id",
	"transaction_date",
	"merchant_id",
	"amount",
	"payment_method",
}

// Cybersource loads the daily settlement CSV reports. Report files carry
// their business date in the name, e.g. Cybersource_2024-01-02.csv.
func Cybersource() *loader.Loader {
	return &loader.Loader{
		Name:    CybersourceName,
		Table:   CybersourceTable,
		Trimmer: loader.DeleteFrom{Field: "txn_date"},
		Extractor: loader.FileExtractor{
			Selector: fileselect.Selector{
				Strategy: fileselect.FilenameDateStrategy{Format: fileselect.FormatYMD, Dashes: true},
				Exclude: fileselect.Any(
					fileselect.ExcludeTempFiles,
					fileselect.RequireExtension(".csv"),
					fileselect.RequireNameContains("cybersource"),
				),
			},
			Prefix: "Cybersource",
			Parse:  parseCybersource,
			Await:  loader.ExpectBusinessDays,
		},
		Stats: []loader.StatSpec{
			{Source: "CYBERSOURCE", Table: CybersourceTable, DateColumn: "txn_date", AmountColumn: "amount"},
		},
	}
}

func parseCybersource(ctx context.Context, path string, job loader.FileJob) iter.Seq2[models.TransactionRecord, error] {
	cfg := parsers.DefaultConfig()
	cfg.RequiredColumns = cybersourceColumns
	rows := parsers.NewCSVParser(cfg).Rows(ctx, path)
	return parsers.Map(rows, cybersourceRecord)
}

// cybersourceRecord maps one report row. Rows without a request id are
// report totals and are skipped.
func cybersourceRecord(row parsers.Row) (models.TransactionRecord, bool, error) {
	requestID := row.Get("request_id")
	if requestID == "" || strings.EqualFold(requestID, "total") {
		return models.TransactionRecord{}, false, nil
	}
	ts, err := models.ParseTimeWithFormats(row.Get("transaction_date"))
	if err != nil {
		return models.TransactionRecord{}, false, apperrors.InvalidDateError(row.File, row.Line, "transaction_date", row.Get("transaction_date"))
	}
	amount, err := models.ParseAmount(row.Get("amount"))
	if err != nil {
		return models.TransactionRecord{}, false, apperrors.InvalidAmountError(row.File, row.Line, "amount", row.Get("amount"))
	}

	r := models.TransactionRecord{
		Source:          "CYBERSOURCE",
		Date:            models.Day(ts),
		MerchantID:      row.Get("merchant_id"),
		Amount:          amount,
		CardType:        CardType(row.Get("payment_method")),
		Reference:       requestID,
		TransactionTime: ts,
		CorrelationID:   row.Get("reconciliation_id"),
	}
	return r, true, r.Validate()
}
