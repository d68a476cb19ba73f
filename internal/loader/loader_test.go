package loader

import (
	"context"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golang-trust-loader/internal/fileselect"
	"golang-trust-loader/internal/filesource"
	"golang-trust-loader/internal/ledger"
	"golang-trust-loader/internal/models"
	"golang-trust-loader/internal/parsers"
	"golang-trust-loader/internal/store"
	"golang-trust-loader/internal/store/storetest"
	apperrors "golang-trust-loader/pkg/errors"
	"golang-trust-loader/pkg/logger"
)

func txnTable(name string) string {
	return fmt.Sprintf(`CREATE TABLE %s (
	source TEXT,
	txn_date TEXT NOT NULL,
	merchant_id TEXT,
	amount NUMERIC,
	card_type TEXT,
	reference_id TEXT NOT NULL UNIQUE,
	txn_time TEXT,
	correlation_id TEXT
)`, name)
}

func day(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := models.ParseDate(s)
	require.NoError(t, err)
	return d
}

func window(t *testing.T, start, end string) models.DateWindow {
	t.Helper()
	w, err := models.ParseDateWindow(start, end)
	require.NoError(t, err)
	return w
}

func insertRows(t *testing.T, db *store.DB, table string, rows ...[2]string) {
	t.Helper()
	for _, r := range rows {
		_, err := db.Exec(context.Background(),
			"INSERT INTO "+table+" (source, txn_date, amount, reference_id) VALUES ('T', ?, 1, ?)", r[1], r[0])
		require.NoError(t, err)
	}
}

func count(t *testing.T, db *store.DB, table string) int {
	t.Helper()
	n, err := db.Count(context.Background(), table, "")
	require.NoError(t, err)
	return n
}

// csvRecords parses "ref,amount" files dated by the selected file date.
func csvRecords(source string) RecordParser {
	return func(ctx context.Context, path string, job FileJob) iter.Seq2[models.TransactionRecord, error] {
		cfg := parsers.DefaultConfig()
		cfg.RequiredColumns = []string{"ref", "amount"}
		return parsers.Map(parsers.NewCSVParser(cfg).Rows(ctx, path), func(r parsers.Row) (models.TransactionRecord, bool, error) {
			amount, err := models.ParseAmount(r.Get("amount"))
			if err != nil {
				return models.TransactionRecord{}, false, apperrors.InvalidAmountError(r.File, r.Line, "amount", r.Get("amount"))
			}
			return models.TransactionRecord{
				Source:    source,
				Date:      job.Date,
				Amount:    amount,
				Reference: r.Get("ref"),
			}, true, nil
		})
	}
}

func writeInput(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoader_Window(t *testing.T) {
	w := window(t, "2024-01-01", "2024-01-03")

	plain := &Loader{Name: "A"}
	assert.Equal(t, w, plain.Window(w))

	shifted := &Loader{Name: "B", WindowOffsetDays: -1}
	assert.Equal(t, window(t, "2023-12-31", "2024-01-02"), shifted.Window(w))

	fixed := &Loader{Name: "C", FixedStart: day(t, "1900-01-01")}
	assert.Equal(t, window(t, "1900-01-01", "2024-01-03"), fixed.Window(w))
}

func TestLoader_Trim(t *testing.T) {
	ctx := context.Background()
	db := storetest.Open(t, txnTable("cardpayment"))
	insertRows(t, db, "cardpayment",
		[2]string{"a", "2023-12-31"},
		[2]string{"b", "2024-01-01"},
		[2]string{"c", "2024-01-05"},
	)

	l := &Loader{Name: "CardPayment", Table: "cardpayment", Trimmer: DeleteFrom{Field: "txn_date"}}
	n, err := l.Trim(ctx, db, window(t, "2024-01-01", "2024-01-02"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "every row from the window start on is trimmed")
	assert.Equal(t, 1, count(t, db, "cardpayment"))

	keep := &Loader{Name: "Benevity", Table: "cardpayment"}
	n, err = keep.Trim(ctx, db, window(t, "2023-01-01", "2024-01-02"))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, count(t, db, "cardpayment"))
}

func TestLoader_TrimFailure(t *testing.T) {
	db := storetest.Open(t, txnTable("cardpayment"))
	l := &Loader{Name: "CardPayment", Table: "cardpayment", Trimmer: DeleteFrom{Field: "no_such_column"}}

	_, err := l.Trim(context.Background(), db, window(t, "2024-01-01", "2024-01-02"))
	require.Error(t, err)
	appErr, ok := apperrors.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeTrimFailed, appErr.Code)
	assert.Equal(t, "CardPayment", appErr.Context["loader"])
}

func TestQueryExtractor_LoadsWindow(t *testing.T) {
	ctx := context.Background()
	db := storetest.Open(t, txnTable("upstream"), txnTable("cardpayment"))
	insertRows(t, db, "upstream",
		[2]string{"r1", "2023-12-31"},
		[2]string{"r2", "2024-01-01"},
		[2]string{"r3", "2024-01-02"},
		[2]string{"r4", "2024-01-03"},
	)

	l := &Loader{
		Name:  "CardPayment",
		Table: "cardpayment",
		Extractor: QueryExtractor{Query: `SELECT source, txn_date, merchant_id, amount, card_type, reference_id, txn_time, correlation_id
FROM upstream WHERE txn_date >= ? AND txn_date < ?`},
	}
	require.NoError(t, l.Validate())

	env := &Env{DB: db, ChunkSize: 1, Logger: logger.Discard()}
	res := l.Load(ctx, env, window(t, "2024-01-01", "2024-01-03"))
	require.NoError(t, res.Err())
	assert.Equal(t, 2, res.Rows.Committed)
	assert.Equal(t, 2, res.Rows.Batches)
	assert.Equal(t, "CardPayment", res.Loader)
	assert.Equal(t, 2, count(t, db, "cardpayment"))
}

func TestQueryExtractor_BadQuery(t *testing.T) {
	db := storetest.Open(t, txnTable("cardpayment"))
	l := &Loader{Name: "CardPayment", Table: "cardpayment", Extractor: QueryExtractor{Query: "SELECT * FROM missing"}}

	res := l.Load(context.Background(), &Env{DB: db, Logger: logger.Discard()}, window(t, "2024-01-01", "2024-01-02"))
	require.Error(t, res.Err())
	assert.True(t, apperrors.IsCategory(res.Err(), apperrors.CategoryStore))
	assert.Zero(t, count(t, db, "cardpayment"))
}

func cybersourceLoader(dir string, useLedger bool) *Loader {
	return &Loader{
		Name:    "Cybersource",
		Table:   "cybersource",
		Trimmer: DeleteFrom{Field: "txn_date"},
		Extractor: FileExtractor{
			Selector: fileselect.Selector{
				Strategy: fileselect.FilenameDateStrategy{Format: fileselect.FormatYMD, Dashes: true},
				Exclude:  fileselect.ExcludeTempFiles,
			},
			Parse:     csvRecords("CS"),
			UseLedger: useLedger,
		},
	}
}

func TestFileExtractor_SelectsShiftedWindow(t *testing.T) {
	ctx := context.Background()
	db := storetest.Open(t, txnTable("cybersource"))
	dir := t.TempDir()
	writeInput(t, dir, "cs_2024-01-01.csv", "ref,amount\nold,1\n")
	writeInput(t, dir, "cs_2024-01-02.csv", "ref,amount\nA,1.50\nB,2.50\n")
	writeInput(t, dir, "~$cs_2024-01-02.csv", "ref,amount\nlock,1\n")

	env := &Env{DB: db, InputDir: dir, Logger: logger.Discard()}
	res := cybersourceLoader(dir, false).Load(ctx, env, window(t, "2024-01-01", "2024-01-02"))
	require.NoError(t, res.Err())
	require.Len(t, res.Files, 1)
	assert.Equal(t, "cs_2024-01-02.csv", filepath.Base(res.Files[0].File))
	assert.Equal(t, day(t, "2024-01-02"), res.Files[0].Date)
	assert.Equal(t, 2, res.Rows.Committed)
	assert.Equal(t, "4", res.Rows.Amount.String())
}

func TestFileExtractor_FailedBatchLeavesFileUnmarked(t *testing.T) {
	ctx := context.Background()
	db := storetest.Open(t, txnTable("cybersource"), ledger.Schema(ledger.DefaultTable))
	led, err := ledger.New(db, "", logger.Discard())
	require.NoError(t, err)

	dir := t.TempDir()
	// the second batch repeats A and violates the unique reference
	writeInput(t, dir, "cs_2024-01-02.csv", "ref,amount\nA,1\nB,1\nC,1\nD,1\nA,1\nE,1\n")

	env := &Env{DB: db, Ledger: led, InputDir: dir, ChunkSize: 3, Logger: logger.Discard()}
	res := cybersourceLoader(dir, true).Load(ctx, env, window(t, "2024-01-01", "2024-01-02"))

	require.Error(t, res.Err())
	assert.Equal(t, 1, res.FailedFiles())
	assert.Equal(t, 3, res.Rows.Committed)
	assert.Equal(t, 3, res.Rows.Lost)
	assert.Equal(t, 3, count(t, db, "cybersource"), "prior batch stands, failed batch rolled back")

	n, err := db.Count(ctx, "cybersource", "reference_id = ?", "D")
	require.NoError(t, err)
	assert.Zero(t, n)

	processed, err := led.IsProcessed(ctx, "cs_2024-01-02.csv")
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestFileExtractor_LedgerSkipsProcessedFiles(t *testing.T) {
	ctx := context.Background()
	db := storetest.Open(t, txnTable("cybersource"), ledger.Schema(ledger.DefaultTable))
	led, err := ledger.New(db, "", logger.Discard())
	require.NoError(t, err)

	dir := t.TempDir()
	writeInput(t, dir, "cs_2024-01-02.csv", "ref,amount\nA,1\nB,1\n")

	env := &Env{DB: db, Ledger: led, InputDir: dir, Logger: logger.Discard()}
	l := cybersourceLoader(dir, true)
	w := window(t, "2024-01-01", "2024-01-02")

	first := l.Load(ctx, env, w)
	require.NoError(t, first.Err())
	assert.Equal(t, 2, first.Rows.Committed)

	second := l.Load(ctx, env, w)
	require.NoError(t, second.Err())
	require.Len(t, second.Files, 1)
	assert.True(t, second.Files[0].Skipped)
	assert.Zero(t, second.Rows.Committed)
	assert.Equal(t, 2, count(t, db, "cybersource"))
}

func TestFileExtractor_LedgerRequired(t *testing.T) {
	db := storetest.Open(t, txnTable("cybersource"))
	env := &Env{DB: db, InputDir: t.TempDir(), Logger: logger.Discard()}

	res := cybersourceLoader(env.InputDir, true).Load(context.Background(), env, window(t, "2024-01-01", "2024-01-02"))
	require.Error(t, res.Err())
	assert.True(t, apperrors.IsCategory(res.Err(), apperrors.CategoryInternal))
}

func TestFileExtractor_NoInputConfigured(t *testing.T) {
	db := storetest.Open(t, txnTable("cybersource"))
	env := &Env{DB: db, Logger: logger.Discard()}

	res := cybersourceLoader("", false).Load(context.Background(), env, window(t, "2024-01-01", "2024-01-02"))
	require.Error(t, res.Err())
	assert.True(t, apperrors.IsCategory(res.Err(), apperrors.CategoryConfiguration))
}

func TestFileExtractor_WorkerPool(t *testing.T) {
	ctx := context.Background()
	db := storetest.Open(t, txnTable("cybersource"), ledger.Schema(ledger.DefaultTable))
	led, err := ledger.New(db, "", logger.Discard())
	require.NoError(t, err)

	dir := t.TempDir()
	var want []string
	for i := 2; i <= 7; i++ {
		name := fmt.Sprintf("cs_2024-01-%02d.csv", i)
		want = append(want, name)
		writeInput(t, dir, name, fmt.Sprintf("ref,amount\nr%d-a,1\nr%d-b,2\n", i, i))
	}

	env := &Env{DB: db, Ledger: led, InputDir: dir, Exec: NewStrategy(3), Logger: logger.Discard()}
	res := cybersourceLoader(dir, true).Load(ctx, env, window(t, "2024-01-01", "2024-01-07"))
	require.NoError(t, res.Err())

	var got []string
	for _, f := range res.Files {
		got = append(got, filepath.Base(f.File))
	}
	assert.Equal(t, want, got, "results keep job order")
	assert.Equal(t, 12, res.Rows.Committed)
	assert.Equal(t, "18", res.Rows.Amount.String())

	entries, err := led.Entries(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 6)
}

func TestNewStrategy(t *testing.T) {
	assert.IsType(t, Sequential{}, NewStrategy(0))
	assert.IsType(t, Sequential{}, NewStrategy(1))
	assert.Equal(t, WorkerPool{Workers: 4}, NewStrategy(4))
}

// fakeObjects serves objects from memory across fixed pages.
type fakeObjects struct {
	pages    [][]fileselect.FileRef
	content  map[string]string
	metadata map[string]map[string]string
	heads    []string
	fetched  []string
}

func (f *fakeObjects) ListPage(_ context.Context, _ string, token string) (filesource.Page, error) {
	i := 0
	if token != "" {
		fmt.Sscanf(token, "page-%d", &i)
	}
	page := filesource.Page{Entries: f.pages[i]}
	if i+1 < len(f.pages) {
		page.IsTruncated = true
		page.NextToken = fmt.Sprintf("page-%d", i+1)
	}
	return page, nil
}

func (f *fakeObjects) Head(_ context.Context, key string) (map[string]string, error) {
	f.heads = append(f.heads, key)
	return f.metadata[key], nil
}

func (f *fakeObjects) Fetch(_ context.Context, key string) (string, error) {
	f.fetched = append(f.fetched, key)
	tmp, err := os.CreateTemp("", "fake-*"+filepath.Ext(key))
	if err != nil {
		return "", err
	}
	defer tmp.Close()
	_, err = tmp.WriteString(f.content[key])
	return tmp.Name(), err
}

func TestFileExtractor_ObjectStorage(t *testing.T) {
	ctx := context.Background()
	db := storetest.Open(t, txnTable("benevity"), ledger.Schema(ledger.DefaultTable))
	led, err := ledger.New(db, "", logger.Discard())
	require.NoError(t, err)

	late := day(t, "2030-06-01")
	objects := &fakeObjects{
		pages: [][]fileselect.FileRef{
			{
				{Path: "benevity/Jan.csv", ModTime: late},
				{Path: "benevity/Thumbs.db", ModTime: day(t, "2024-01-02")},
			},
			{
				{Path: "benevity/Feb.csv", ModTime: day(t, "2024-01-02")},
				{Path: "benevity/Future.csv", ModTime: day(t, "2030-01-01")},
			},
		},
		content: map[string]string{
			"benevity/Jan.csv": "ref,amount\nJ1,10\n",
			"benevity/Feb.csv": "ref,amount\nF1,5\nF2,5\n",
		},
		metadata: map[string]map[string]string{
			// the logical date moves Jan.csv into the window
			"benevity/Jan.csv": {fileselect.FileDateMetadataKey: "2024-01-01"},
		},
	}

	l := &Loader{
		Name:       "Benevity",
		Table:      "benevity",
		FixedStart: day(t, "1900-01-01"),
		Extractor: FileExtractor{
			Selector:     fileselect.Selector{Strategy: fileselect.ModifiedTimeStrategy{}, Exclude: fileselect.ExcludeTempFiles},
			Prefix:       "benevity/",
			Parse:        csvRecords("BENEVITY"),
			UseLedger:    true,
			HeadMetadata: true,
		},
	}
	env := &Env{DB: db, Ledger: led, Objects: objects, Logger: logger.Discard()}
	res := l.Load(ctx, env, window(t, "2024-01-01", "2024-01-02"))
	require.NoError(t, res.Err())

	assert.Equal(t, window(t, "1900-01-01", "2024-01-02"), res.Window)
	assert.Equal(t, []string{"benevity/Jan.csv", "benevity/Feb.csv"}, objects.fetched)
	assert.NotContains(t, objects.heads, "benevity/Thumbs.db", "excluded objects are not inspected")
	assert.Equal(t, 3, res.Rows.Committed)

	for _, f := range res.Files {
		assert.True(t, strings.HasPrefix(f.File, "benevity/"))
	}
	processed, err := led.IsProcessed(ctx, "Feb.csv")
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestLoader_CleanMatchTables(t *testing.T) {
	ctx := context.Background()
	db := storetest.Open(t, txnTable("cs_cardpayment"), txnTable("cardpayment_dms"))
	insertRows(t, db, "cs_cardpayment", [2]string{"a", "2024-01-01"})
	insertRows(t, db, "cardpayment_dms", [2]string{"b", "2024-01-01"})

	l := &Loader{Name: "CardPayment", MatchTables: []string{"cs_cardpayment", "cardpayment_dms"}}
	require.NoError(t, db.InTx(ctx, func(tx *store.Tx) error {
		return l.CleanMatchTables(ctx, tx)
	}))
	assert.Zero(t, count(t, db, "cs_cardpayment"))
	assert.Zero(t, count(t, db, "cardpayment_dms"))
}

func TestLoader_MatchRules(t *testing.T) {
	none := &Loader{Name: "DMS"}
	assert.Empty(t, none.MatchRules(day(t, "2024-01-01")))

	var got time.Time
	l := &Loader{Name: "CardPayment", Rules: func(d time.Time) []models.MatchRule {
		got = d
		return []models.MatchRule{{Name: "r", Date: d}}
	}}
	rules := l.MatchRules(time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC))
	require.Len(t, rules, 1)
	assert.Equal(t, day(t, "2024-01-02"), got)
}

func TestLoader_Validate(t *testing.T) {
	tests := []struct {
		name    string
		loader  Loader
		wantErr bool
	}{
		{"valid", Loader{Name: "A", Table: "a", Extractor: QueryExtractor{}}, false},
		{"no name", Loader{Table: "a", Extractor: QueryExtractor{}}, true},
		{"bad table", Loader{Name: "A", Table: "a b", Extractor: QueryExtractor{}}, true},
		{"no extractor", Loader{Name: "A", Table: "a"}, true},
		{"bad match table", Loader{Name: "A", Table: "a", Extractor: QueryExtractor{}, MatchTables: []string{"x;"}}, true},
		{"bad stats", Loader{Name: "A", Table: "a", Extractor: QueryExtractor{}, Stats: []StatSpec{{Table: "a"}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.loader.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func awaitingLoader(await Expectation) *Loader {
	l := cybersourceLoader("", false)
	fx := l.Extractor.(FileExtractor)
	fx.Await = await
	l.Extractor = fx
	return l
}

func TestIsBusinessDay(t *testing.T) {
	assert.True(t, IsBusinessDay(day(t, "2024-01-08")))
	assert.False(t, IsBusinessDay(day(t, "2024-01-06")), "Saturday")
	assert.False(t, IsBusinessDay(day(t, "2024-07-04")), "Independence Day")
	assert.False(t, IsBusinessDay(day(t, "2024-12-25")), "Christmas")
}

func TestFileExtractor_Missing(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	env := &Env{InputDir: dir, Logger: logger.Discard()}
	today := day(t, "2024-01-09").Add(7 * time.Hour)

	tests := []struct {
		name  string
		await Expectation
		w     models.DateWindow
		want  []string
	}{
		{"never expected", ExpectNone, window(t, "2024-01-05", "2024-01-08"), nil},
		{"weekend deliveries skipped", ExpectBusinessDays, window(t, "2024-01-05", "2024-01-08"), []string{"2024-01-08"}},
		{"daily expects weekends", ExpectDaily, window(t, "2024-01-05", "2024-01-08"), []string{"2024-01-06", "2024-01-07", "2024-01-08"}},
		{"holiday delivery skipped", ExpectBusinessDays, window(t, "2024-07-03", "2024-07-04"), nil},
		{"days after today skipped", ExpectDaily, window(t, "2024-01-08", "2024-01-10"), []string{"2024-01-09"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			missing, err := awaitingLoader(tt.await).Missing(ctx, env, tt.w, today)
			require.NoError(t, err)
			var got []string
			for _, d := range missing {
				got = append(got, d.Format(models.DateLayout))
			}
			assert.Equal(t, tt.want, got)
		})
	}

	writeInput(t, dir, "cs_2024-01-08.csv", "ref,amount\nA,1\n")
	missing, err := awaitingLoader(ExpectBusinessDays).Missing(ctx, env, window(t, "2024-01-05", "2024-01-08"), today)
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestLoader_MissingWithoutFiles(t *testing.T) {
	l := &Loader{Name: "CardPayment", Table: "cardpayment", Extractor: QueryExtractor{}}
	missing, err := l.Missing(context.Background(), &Env{}, window(t, "2024-01-01", "2024-01-02"), time.Now())
	require.NoError(t, err)
	assert.Empty(t, missing)
}
