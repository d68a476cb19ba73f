package sources

import (
	"golang-trust-loader/internal/loader"
)

// UpstreamDMSFinancials is the donor-management table DMS reads from.
const UpstreamDMSFinancials = "dms_financials"

// DMS payment method codes.
const (
	DMSPaymentMethodDonation = 1
	DMSPaymentMethodCard     = 2
)

// financial records dated or posted in [start, end)
var dmsQuery = `SELECT
	'DMS' AS source,
	SUBSTR(CAST(transaction_date AS TEXT), 1, 10) AS txn_date,
	last_name AS merchant_id,
	amount,
	'' AS card_type,
	financial_id AS reference_id,
	'' AS txn_time,
	'' AS correlation_id,
	SUBSTR(CAST(post_date AS TEXT), 1, 10) AS post_date,
	payment_method_code AS payment_method
FROM ` + UpstreamDMSFinancials + `
WHERE transaction_date >= ? AND transaction_date < ?
ORDER BY transaction_date`

// DMS loads the donor-management financials every other source is
// reconciled against. It has no rules of its own.
func DMS() *loader.Loader {
	return &loader.Loader{
		Name:    DMSName,
		Table:   DMSTable,
		Trimmer: loader.DeleteFrom{Field: "txn_date"},
		Extractor: loader.QueryExtractor{
			Query:        dmsQuery,
			ExtraColumns: []string{"post_date", "payment_method"},
		},
		Stats: []loader.StatSpec{
			{Source: "DMS", Table: DMSTable, DateColumn: "txn_date", AmountColumn: "amount"},
		},
	}
}

// UpstreamSchema returns DDL for the upstream tables the query loaders read.
// It is used to provision local stores and tests.
func UpstreamSchema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + UpstreamCardPayments + ` (
	processor_transaction_id TEXT NOT NULL,
	client_transaction_id TEXT,
	transaction_key TEXT,
	merchant_id TEXT,
	card_brand TEXT,
	amount NUMERIC NOT NULL,
	date_created TEXT NOT NULL,
	response_text TEXT
)`,
		`CREATE TABLE IF NOT EXISTS ` + UpstreamDMSFinancials + ` (
	financial_id TEXT NOT NULL,
	last_name TEXT,
	amount NUMERIC NOT NULL,
	transaction_date TEXT NOT NULL,
	post_date TEXT,
	payment_method_code INTEGER NOT NULL
)`,
	}
}
