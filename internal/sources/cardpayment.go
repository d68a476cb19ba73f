package sources

import (
	"time"

	"golang-trust-loader/internal/loader"
	"golang-trust-loader/internal/models"
)

// UpstreamCardPayments is the payment gateway table CardPayment reads from.
const UpstreamCardPayments = "cardpayment_transactions"

// authorized card payments created in [start, end)
var cardPaymentQuery = `SELECT
	'CARDPAYMENT' AS source,
	SUBSTR(CAST(date_created AS TEXT), 1, 10) AS txn_date,
	merchant_id,
	amount,
	` + cardTypeCase("card_brand") + ` AS card_type,
	processor_transaction_id AS reference_id,
	SUBSTR(CAST(date_created AS TEXT), 12, 8) AS txn_time,
	client_transaction_id AS correlation_id
FROM ` + UpstreamCardPayments + `
WHERE date_created >= ? AND date_created < ?
AND response_text = 'AUTHORIZED'
ORDER BY date_created`

// CardPayment loads authorized gateway payments from the upstream store. It
// confirms Cybersource settlements the gateway never reported and flags card
// payments missing from DMS.
func CardPayment() *loader.Loader {
	return &loader.Loader{
		Name:      CardPaymentName,
		Table:     CardPaymentTable,
		Trimmer:   loader.DeleteFrom{Field: "txn_date"},
		Extractor: loader.QueryExtractor{Query: cardPaymentQuery},
		Rules:     cardPaymentRules,
		MatchTables: []string{
			CSCardPaymentTable,
			CardPaymentDMS,
		},
		Stats: []loader.StatSpec{
			{Source: "CARDPAYMENT", Table: CardPaymentTable, DateColumn: "txn_date", AmountColumn: "amount"},
			{Source: "CS-CARDPAYMENT", Table: CSCardPaymentTable, DateColumn: "txn_date", AmountColumn: "amount"},
			{Source: "CARDPAYMENT-DMS", Table: CardPaymentDMS, DateColumn: "txn_date", AmountColumn: "amount"},
		},
	}
}

var referenceKey = []models.KeyPair{{Source: "reference_id", Counterpart: "reference_id"}}

func cardPaymentRules(date time.Time) []models.MatchRule {
	return []models.MatchRule{
		{
			Name:            "CyberSource->CARDPAYMENT",
			Kind:            models.PromoteIfUnmatched,
			Date:            date,
			Source:          CybersourceTable,
			Target:          CSCardPaymentTable,
			DateColumn:      "txn_date",
			TargetKeys:      referenceKey,
			Counterpart:     CardPaymentTable,
			CounterpartKeys: referenceKey,
		},
		{
			Name:        "CARDPAYMENT->DMS",
			Kind:        models.FlagUnmatched,
			Date:        date,
			Source:      CardPaymentTable,
			Target:      CardPaymentDMS,
			DateColumn:  "txn_date",
			Counterpart: DMSTable,
			CounterpartKeys: []models.KeyPair{
				{Source: "correlation_id", Counterpart: "reference_id"},
			},
			CounterpartDateColumns: []string{"txn_date", "post_date"},
			CounterpartFilter:      "c.payment_method = ?",
			FilterArgs:             []any{DMSPaymentMethodCard},
			// DMS only holds transaction dates up to the match date, so on a
			// scheduled run this fills rows posted later; re-matching an
			// older date with --loader CardPayment back-fills the rest.
			Enrich: &models.Enrichment{
				Column: "dms_financial_id",
				From:   "reference_id",
				Days:   7,
			},
		},
	}
}
