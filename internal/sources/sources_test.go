package sources

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"golang-trust-loader/internal/ledger"
	"golang-trust-loader/internal/loader"
	"golang-trust-loader/internal/matcher"
	"golang-trust-loader/internal/models"
	"golang-trust-loader/internal/store"
	"golang-trust-loader/internal/store/storetest"
	apperrors "golang-trust-loader/pkg/errors"
	"golang-trust-loader/pkg/logger"
)

func openStore(t *testing.T) *store.DB {
	t.Helper()
	schema := append(Schema(), UpstreamSchema()...)
	schema = append(schema, ledger.Schema(ledger.DefaultTable))
	return storetest.Open(t, schema...)
}

func window(t *testing.T, start, end string) models.DateWindow {
	t.Helper()
	w, err := models.ParseDateWindow(start, end)
	require.NoError(t, err)
	return w
}

func count(t *testing.T, db *store.DB, table, where string, args ...any) int {
	t.Helper()
	n, err := db.Count(context.Background(), table, where, args...)
	require.NoError(t, err)
	return n
}

func exec(t *testing.T, db *store.DB, query string, args ...any) {
	t.Helper()
	_, err := db.Exec(context.Background(), query, args...)
	require.NoError(t, err)
}

func TestSanitize(t *testing.T) {
	name, err := Sanitize("  CardPayment ")
	require.NoError(t, err)
	assert.Equal(t, "CardPayment", name)

	for _, bad := range []string{"", "cardpayment", "BAI", "CardPayment; DROP TABLE dms"} {
		_, err := Sanitize(bad)
		require.Error(t, err, bad)
		appErr, ok := apperrors.AsAppError(err)
		require.True(t, ok)
		assert.Equal(t, apperrors.CodeUntrustedLoader, appErr.Code)
		assert.Equal(t, 2, appErr.GetExitCode())
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name     string
		priority []string
		only     string
		want     []string
		skipped  []string
	}{
		{name: "default order", want: Names()},
		{
			name:     "priority list",
			priority: []string{"Benevity", "CardPayment", "Benevity"},
			want:     []string{"Benevity", "CardPayment"},
			skipped:  []string{"DMS", "Cybersource"},
		},
		{
			name:     "single loader ignores priority",
			priority: []string{"CardPayment"},
			only:     "Cybersource",
			want:     []string{"Cybersource"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := Resolve(tt.priority, tt.only, logger.Discard())
			require.NoError(t, err)

			var names []string
			for i, l := range plan.Loaders {
				names = append(names, l.Name)
				assert.Equal(t, i, plan.Registrations[i].Priority)
			}
			assert.Equal(t, tt.want, names)
			assert.Equal(t, tt.skipped, plan.Skipped)
		})
	}
}

func TestResolve_UntrustedPriority(t *testing.T) {
	_, err := Resolve([]string{"CardPayment", "Wires"}, "", logger.Discard())
	assert.True(t, apperrors.IsCategory(err, apperrors.CategoryConfiguration))

	_, err = Resolve(nil, "Wires", logger.Discard())
	assert.True(t, apperrors.IsCategory(err, apperrors.CategoryConfiguration))
}

func TestBuiltinsAreValid(t *testing.T) {
	date := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			l, err := New(name)
			require.NoError(t, err)
			require.NoError(t, l.Validate())
			for _, r := range l.MatchRules(date) {
				assert.NoError(t, r.Validate(), r.Name)
			}
		})
	}
}

func TestCardType(t *testing.T) {
	tests := map[string]string{
		"VISA":             "VISA",
		"MasterCard":       "MCRD",
		"American Express": "AMEX",
		"AMERICANEXPRESS":  "AMEX",
		"DISCOVER":         "DISC",
		"JCB":              "OTHER",
		"":                 "OTHER",
	}
	for brand, want := range tests {
		assert.Equal(t, want, CardType(brand), brand)
	}
}

func seedUpstream(t *testing.T, db *store.DB) {
	t.Helper()
	payments := []struct {
		id, client, brand, amount, created, response string
	}{
		{"P1", "F1", "VISA", "10.00", "2024-01-02 09:15:00", "AUTHORIZED"},
		{"P2", "F2", "MASTERCARD", "20.50", "2024-01-02 23:59:59", "AUTHORIZED"},
		{"P3", "F3", "VISA", "5.00", "2024-01-02 10:00:00", "DECLINED"},
		{"P4", "F4", "DISCOVER", "7.00", "2024-01-03 00:00:00", "AUTHORIZED"},
	}
	for _, p := range payments {
		exec(t, db, `INSERT INTO cardpayment_transactions
			(processor_transaction_id, client_transaction_id, merchant_id, card_brand, amount, date_created, response_text)
			VALUES (?, ?, 'M1', ?, ?, ?, ?)`, p.id, p.client, p.brand, p.amount, p.created, p.response)
	}

	exec(t, db, `INSERT INTO dms_financials (financial_id, last_name, amount, transaction_date, post_date, payment_method_code)
		VALUES ('F1', 'Doe', 10, '2024-01-02', '2024-01-02', 2)`)
	exec(t, db, `INSERT INTO dms_financials (financial_id, last_name, amount, transaction_date, post_date, payment_method_code)
		VALUES ('D9', 'Acme', 100, '2024-01-02', '2024-01-05', 1)`)
}

func TestCardPayment_Load(t *testing.T) {
	ctx := context.Background()
	db := openStore(t)
	seedUpstream(t, db)

	res := CardPayment().Load(ctx, &loader.Env{DB: db, Logger: logger.Discard()}, window(t, "2024-01-02", "2024-01-03"))
	require.NoError(t, res.Err())
	assert.Equal(t, 2, res.Rows.Committed)
	assert.Equal(t, "30.50", res.Rows.Amount.StringFixed(2))

	assert.Equal(t, 1, count(t, db, CardPaymentTable, "reference_id = ? AND card_type = ? AND txn_time = ?", "P2", "MCRD", "23:59:59"))
	assert.Equal(t, 1, count(t, db, CardPaymentTable, "reference_id = ? AND correlation_id = ? AND txn_date = ?", "P1", "F1", "2024-01-02"))
	assert.Zero(t, count(t, db, CardPaymentTable, "reference_id IN ('P3', 'P4')"))
}

func TestDMS_LoadKeepsExtraColumns(t *testing.T) {
	ctx := context.Background()
	db := openStore(t)
	seedUpstream(t, db)

	res := DMS().Load(ctx, &loader.Env{DB: db, Logger: logger.Discard()}, window(t, "2024-01-02", "2024-01-03"))
	require.NoError(t, res.Err())
	assert.Equal(t, 2, res.Rows.Committed)
	assert.Equal(t, 1, count(t, db, DMSTable, "reference_id = ? AND post_date = ? AND payment_method = ?", "D9", "2024-01-05", 1))
	assert.Equal(t, 1, count(t, db, DMSTable, "reference_id = ? AND merchant_id = ?", "F1", "Doe"))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

const cybersourceReport = `request_id,transaction_date,merchant_id,merchant_ref_number,amount,payment_method,reconciliation_id
P1,2024-01-02T09:15:00Z,M1,ref-1,10.00,Visa,R1
C2,2024-01-02T11:00:00Z,M1,ref-2,"1,250.00",American Express,R2
TOTAL,,,,1260.00,,
`

func TestCybersource_LoadsNextDayFile(t *testing.T) {
	ctx := context.Background()
	db := openStore(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "Cybersource", "Cybersource_2024-01-03.csv"), cybersourceReport)
	writeFile(t, filepath.Join(dir, "Cybersource", "Cybersource_2024-01-02.csv"), cybersourceReport)
	writeFile(t, filepath.Join(dir, "Cybersource", "~$Cybersource_2024-01-03.csv"), "locked")

	env := &loader.Env{DB: db, InputDir: dir, Logger: logger.Discard()}
	res := Cybersource().Load(ctx, env, window(t, "2024-01-02", "2024-01-03"))
	require.NoError(t, res.Err())
	require.Len(t, res.Files, 1)
	assert.Equal(t, "Cybersource_2024-01-03.csv", filepath.Base(res.Files[0].File))
	assert.Equal(t, 2, res.Rows.Committed)
	assert.Equal(t, "1260.00", res.Rows.Amount.StringFixed(2))
	assert.Equal(t, 1, count(t, db, CybersourceTable, "reference_id = ? AND card_type = ? AND correlation_id = ?", "C2", "AMEX", "R2"))
}

func TestCybersource_BadAmountStopsFile(t *testing.T) {
	db := openStore(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "Cybersource", "Cybersource_2024-01-03.csv"),
		"request_id,transaction_date,merchant_id,amount,payment_method\nP1,2024-01-02,M1,abc,Visa\n")

	env := &loader.Env{DB: db, InputDir: dir, Logger: logger.Discard()}
	res := Cybersource().Load(context.Background(), env, window(t, "2024-01-02", "2024-01-03"))
	require.Error(t, res.Err())
	assert.Equal(t, 1, res.FailedFiles())
	assert.True(t, apperrors.IsCategory(res.Err(), apperrors.CategoryFile))
	assert.Zero(t, count(t, db, CybersourceTable, ""))
}

func writeBenevityReport(t *testing.T, path string, modTime time.Time, rows [][]any) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))

	f := excelize.NewFile()
	defer f.Close()
	require.NoError(t, f.SetSheetName("Sheet1", "Summary"))
	_, err := f.NewSheet("DonationReport-Jan")
	require.NoError(t, err)

	require.NoError(t, f.SetSheetRow("DonationReport-Jan", "A1", &[]any{"Donation Report"}))
	require.NoError(t, f.SetSheetRow("DonationReport-Jan", "A3",
		&[]any{"COMPANY", "PROJECT", "DONATIONDATE", "TRANSACTIONID", "TOTALDONATIONTOBEACKNOWLEDGED", "PROJECTREMOTEID"}))
	for i, r := range rows {
		cell, err := excelize.CoordinatesToCellName(1, 4+i)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow("DonationReport-Jan", cell, &r))
	}
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, os.Chtimes(path, modTime, modTime))
}

func TestBenevity_LoadOnceAndMatch(t *testing.T) {
	ctx := context.Background()
	db := openStore(t)
	seedUpstream(t, db)
	dir := t.TempDir()
	w := window(t, "2024-01-02", "2024-01-03")

	led, err := ledger.New(db, "", logger.Discard())
	require.NoError(t, err)
	env := &loader.Env{DB: db, Ledger: led, InputDir: dir, Logger: logger.Discard()}

	writeBenevityReport(t, filepath.Join(dir, "Benevity", "Benevity_Jan.xlsx"),
		time.Date(2024, 1, 3, 12, 0, 0, 0, time.Local),
		[][]any{
			{"Acme", "Food", "2024-01-02", "B1", "60", "P-1"},
			{"Acme", "Food", "2024-01-02", "B2", "40", "P-1"},
			{"Globex", "Water", "2024-01-02", "B3", "25", "P-2"},
		})
	writeBenevityReport(t, filepath.Join(dir, "Benevity", "Benevity_Later.xlsx"),
		time.Date(2024, 2, 1, 12, 0, 0, 0, time.Local),
		[][]any{{"Initech", "Books", "2024-01-31", "B9", "5", ""}})

	l := Benevity()
	assert.Equal(t, "1900-01-01", l.Window(w).Start.Format(models.DateLayout))

	res := l.Load(ctx, env, w)
	require.NoError(t, res.Err())
	require.Len(t, res.Files, 1)
	assert.Equal(t, 3, res.Rows.Committed)

	again := l.Load(ctx, env, w)
	require.NoError(t, again.Err())
	require.Len(t, again.Files, 1)
	assert.True(t, again.Files[0].Skipped)
	assert.Equal(t, 3, count(t, db, BenevityTable, ""))

	trimmed, err := l.Trim(ctx, db, w)
	require.NoError(t, err)
	assert.Zero(t, trimmed)

	exec(t, db, `INSERT INTO dms_financials (financial_id, last_name, amount, transaction_date, post_date, payment_method_code)
		VALUES ('D10', 'Globex', 25, '2024-01-03', '2024-01-03', 1)`)
	require.False(t, DMS().Load(ctx, env, window(t, "2024-01-02", "2024-01-04")).Rows.Failed())

	m := matcher.New(db, matcher.DefaultConfig(), logger.Discard())
	match := m.Match(ctx, l, w.End.AddDate(0, 0, -1))
	require.NoError(t, match.Err)

	// Globex's donation reached DMS the next day. Acme's daily total of 100
	// only has a DMS row on the donation day itself, which does not count.
	assert.Equal(t, 1, count(t, db, BenevityDMS, ""))
	assert.Equal(t, 1, count(t, db, BenevityDMS, "merchant_id = ? AND amount = 100", "Acme"))
}

func TestCardPayment_MatchAgainstCybersourceAndDMS(t *testing.T) {
	ctx := context.Background()
	db := openStore(t)
	seedUpstream(t, db)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "Cybersource", "Cybersource_2024-01-03.csv"), cybersourceReport)

	w := window(t, "2024-01-02", "2024-01-03")
	env := &loader.Env{DB: db, InputDir: dir, Logger: logger.Discard()}
	for _, l := range []*loader.Loader{DMS(), CardPayment(), Cybersource()} {
		require.NoError(t, l.Load(ctx, env, w).Err(), l.Name)
	}

	m := matcher.New(db, matcher.DefaultConfig(), logger.Discard())
	res := m.Match(ctx, CardPayment(), time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, res.Err)
	require.Len(t, res.Rules, 2)

	// C2 settled at Cybersource without a gateway record
	assert.Equal(t, 1, count(t, db, CSCardPaymentTable, ""))
	assert.Equal(t, 1, count(t, db, CSCardPaymentTable, "reference_id = ?", "C2"))
	// P2 (F2) never reached DMS
	assert.Equal(t, 1, count(t, db, CardPaymentDMS, ""))
	assert.Equal(t, 1, count(t, db, CardPaymentDMS, "correlation_id = ?", "F2"))

	stats, err := m.CollectStats(ctx, []*loader.Loader{CardPayment()}, w)
	require.NoError(t, err)
	require.NotEmpty(t, stats)
	assert.Equal(t, 1, count(t, db, matcher.DefaultStatsTable, "source = ? AND stat_date = ? AND txn_count = 2", "CARDPAYMENT", "2024-01-02"))
}

func TestCardPayment_EnrichesFromLaterPosting(t *testing.T) {
	ctx := context.Background()
	db := openStore(t)
	exec(t, db, `INSERT INTO cardpayment_transactions
		(processor_transaction_id, client_transaction_id, merchant_id, card_brand, amount, date_created, response_text)
		VALUES ('P5', 'F5', 'M1', 'VISA', 12.00, '2024-01-04 11:00:00', 'AUTHORIZED')`)
	// entered in DMS before the payment, posted two days after it
	exec(t, db, `INSERT INTO dms_financials (financial_id, last_name, amount, transaction_date, post_date, payment_method_code)
		VALUES ('F5', 'Doe', 12, '2024-01-02', '2024-01-06', 2)`)

	w := window(t, "2024-01-02", "2024-01-05")
	env := &loader.Env{DB: db, Logger: logger.Discard()}
	for _, l := range []*loader.Loader{DMS(), CardPayment()} {
		require.NoError(t, l.Load(ctx, env, w).Err(), l.Name)
	}

	res := matcher.New(db, matcher.DefaultConfig(), logger.Discard()).Match(ctx, CardPayment(), w.End.AddDate(0, 0, -1))
	require.NoError(t, res.Err)
	require.Len(t, res.Rules, 2)
	assert.Equal(t, int64(1), res.Rules[1].Rows)
	assert.Equal(t, int64(1), res.Rules[1].Enriched)
	assert.Equal(t, 1, count(t, db, CardPaymentDMS, "reference_id = ? AND dms_financial_id = ?", "P5", "F5"))
}
