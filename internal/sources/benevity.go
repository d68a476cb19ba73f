package sources

import (
	"context"
	"iter"
	"time"

	"golang-trust-loader/internal/fileselect"
	"golang-trust-loader/internal/loader"
	"golang-trust-loader/internal/models"
	"golang-trust-loader/internal/parsers"
	apperrors "golang-trust-loader/pkg/errors"
)

// benevityStart is the fixed load start of the donation feed: every report
// not yet in the ledger is loaded, whatever the run window.
var benevityStart = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)

// benevityMatchDays bounds how long after a donation DMS may record it. DMS
// records a donation after the donation day, never on it.
const benevityMatchDays = 60

var benevityColumns = []string{
	"COMPANY",
	"DONATIONDATE",
	"TRANSACTIONID",
	"TOTALDONATIONTOBEACKNOWLEDGED",
}

// Benevity loads corporate donation reports. Reports are never trimmed:
// each file is loaded once, tracked by the processed-file ledger.
func Benevity() *loader.Loader {
	return &loader.Loader{
		Name:    BenevityName,
		Table:   BenevityTable,
		Trimmer: loader.NoTrim{},
		Extractor: loader.FileExtractor{
			Selector: fileselect.Selector{
				Strategy: fileselect.ModifiedTimeStrategy{},
				Exclude: fileselect.Any(
					fileselect.ExcludeTempFiles,
					fileselect.RequireExtension(".xlsx"),
					fileselect.RequireNameContains("benevity"),
				),
			},
			Prefix:       "Benevity",
			Parse:        parseBenevity,
			UseLedger:    true,
			HeadMetadata: true,
		},
		Rules:       benevityRules,
		MatchTables: []string{BenevityDMS},
		Stats: []loader.StatSpec{
			{Source: "BENEVITY", Table: BenevityTable, DateColumn: "txn_date", AmountColumn: "amount"},
			{Source: "BENEVITY-DMS", Table: BenevityDMS, DateColumn: "txn_date", AmountColumn: "amount"},
		},
		FixedStart: benevityStart,
	}
}

func parseBenevity(ctx context.Context, path string, job loader.FileJob) iter.Seq2[models.TransactionRecord, error] {
	cfg := parsers.DefaultConfig()
	cfg.RequiredColumns = benevityColumns
	cfg.SheetPrefix = "DonationReport"
	rows := parsers.NewXLSXParser(cfg).Rows(ctx, path)
	return parsers.Map(rows, benevityRecord)
}

func benevityRecord(row parsers.Row) (models.TransactionRecord, bool, error) {
	txnID := row.Get("TRANSACTIONID")
	if txnID == "" {
		return models.TransactionRecord{}, false, nil
	}

	date, err := models.ParseTimeWithFormats(row.Get("DONATIONDATE"))
	if err != nil {
		return models.TransactionRecord{}, false, apperrors.InvalidDateError(row.File, row.Line, "DONATIONDATE", row.Get("DONATIONDATE"))
	}
	amount, err := models.ParseAmount(row.Get("TOTALDONATIONTOBEACKNOWLEDGED"))
	if err != nil {
		return models.TransactionRecord{}, false, apperrors.InvalidAmountError(row.File, row.Line,
			"TOTALDONATIONTOBEACKNOWLEDGED", row.Get("TOTALDONATIONTOBEACKNOWLEDGED"))
	}

	r := models.TransactionRecord{
		Source:        "BENEVITY",
		Date:          models.Day(date),
		MerchantID:    row.Get("COMPANY"),
		Amount:        amount,
		Reference:     txnID,
		CorrelationID: row.Get("PROJECTREMOTEID"),
	}
	return r, true, r.Validate()
}

// donations summed per company and day
const benevityDaily = `SELECT 'BENEVITY' AS source, merchant_id, txn_date, SUM(amount) AS amount
FROM ` + BenevityTable + `
GROUP BY merchant_id, txn_date`

func benevityRules(date time.Time) []models.MatchRule {
	return []models.MatchRule{
		{
			Name:         "Benevity->DMS",
			Kind:         models.FlagUnmatched,
			Date:         date,
			SourceSelect: benevityDaily,
			Target:       BenevityDMS,
			Columns:      []string{"source", "merchant_id", "txn_date", "amount"},
			DateColumn:   "txn_date",
			Counterpart:  DMSTable,
			CounterpartKeys: []models.KeyPair{
				{Source: "merchant_id", Counterpart: "merchant_id"},
				{Source: "amount", Counterpart: "amount"},
			},
			CounterpartDateColumns: []string{"txn_date"},
			AdjacentDays:           benevityMatchDays,
			AfterOnly:              true,
			CounterpartFilter:      "c.payment_method = ?",
			FilterArgs:             []any{DMSPaymentMethodDonation},
		},
	}
}
