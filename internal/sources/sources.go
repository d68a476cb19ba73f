// Package sources holds the trusted allow-list of loaders. Loaders are only
// ever built from this list; names coming from flags or configuration are
// validated against it and never used to look anything else up.
package sources

import (
	"fmt"
	"slices"
	"strings"

	"golang-trust-loader/internal/loader"
	"golang-trust-loader/internal/matcher"
	"golang-trust-loader/internal/models"
	apperrors "golang-trust-loader/pkg/errors"
	"golang-trust-loader/pkg/logger"
)

const (
	CardPaymentName = "CardPayment"
	CybersourceName = "Cybersource"
	BenevityName    = "Benevity"
	DMSName         = "DMS"
)

type factory func() *loader.Loader

// builtins is the allow-list in its default run order. Counterparts load
// before the sources matched against them.
var builtins = []struct {
	name string
	new  factory
}{
	{DMSName, DMS},
	{CardPaymentName, CardPayment},
	{CybersourceName, Cybersource},
	{BenevityName, Benevity},
}

// Names returns the allow-list in default order.
func Names() []string {
	names := make([]string, len(builtins))
	for i, b := range builtins {
		names[i] = b.name
	}
	return names
}

// Sanitize trims name and checks it against the allow-list.
func Sanitize(name string) (string, error) {
	clean := strings.TrimSpace(name)
	if !slices.Contains(Names(), clean) {
		return "", apperrors.ConfigurationError(apperrors.CodeUntrustedLoader, "loader", clean, nil)
	}
	return clean, nil
}

// New builds the named loader.
func New(name string) (*loader.Loader, error) {
	clean, err := Sanitize(name)
	if err != nil {
		return nil, err
	}
	for _, b := range builtins {
		if b.name == clean {
			return b.new(), nil
		}
	}
	return nil, fmt.Errorf("loader %s not registered", clean)
}

// Plan is the ordered set of loaders of one run.
type Plan struct {
	Registrations []models.LoaderRegistration
	Loaders       []*loader.Loader
	// Skipped lists allow-listed loaders left out by the priority list.
	Skipped []string
}

// Resolve builds the loaders of a run. A single requested loader runs on its
// own regardless of the priority list. Otherwise loaders run in priority
// order and allow-listed loaders missing from the list are skipped; an empty
// list means the default order.
func Resolve(priority []string, only string, log logger.Logger) (Plan, error) {
	if log == nil {
		log = logger.GetGlobalLogger()
	}

	if strings.TrimSpace(only) != "" {
		l, err := New(only)
		if err != nil {
			return Plan{}, err
		}
		return Plan{
			Registrations: []models.LoaderRegistration{{Name: l.Name, Priority: 0}},
			Loaders:       []*loader.Loader{l},
		}, nil
	}

	order := Names()
	if len(priority) > 0 {
		order = nil
		for _, p := range priority {
			name, err := Sanitize(p)
			if err != nil {
				return Plan{}, err
			}
			if !slices.Contains(order, name) {
				order = append(order, name)
			}
		}
	}

	var plan Plan
	for _, name := range Names() {
		if !slices.Contains(order, name) {
			log.WithField("loader", name).Info("Loader not in the priority list; it won't be processed")
			plan.Skipped = append(plan.Skipped, name)
		}
	}
	for i, name := range order {
		l, err := New(name)
		if err != nil {
			return Plan{}, err
		}
		if err := l.Validate(); err != nil {
			return Plan{}, apperrors.InternalError(apperrors.CodeUnexpectedError, "register "+name, err)
		}
		plan.Registrations = append(plan.Registrations, models.LoaderRegistration{Name: name, Priority: i})
		plan.Loaders = append(plan.Loaders, l)
	}
	return plan, nil
}

// Working table names.
const (
	CardPaymentTable   = "cardpayment"
	CybersourceTable   = "cybersource"
	BenevityTable      = "benevity"
	DMSTable           = "dms"
	CSCardPaymentTable = "cs_cardpayment"
	CardPaymentDMS     = "cardpayment_dms"
	BenevityDMS        = "benevity_dms"
)

const transactionDDL = `source TEXT,
	txn_date TEXT NOT NULL,
	merchant_id TEXT,
	amount NUMERIC,
	card_type TEXT,
	reference_id TEXT,
	txn_time TEXT,
	correlation_id TEXT`

func transactionTable(name string, extra ...string) string {
	cols := transactionDDL
	for _, e := range extra {
		cols += ",\n\t" + e
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", name, cols)
}

// Schema returns the DDL of the working, match and stats tables used by the
// built-in loaders.
func Schema() []string {
	return []string{
		transactionTable(DMSTable, "post_date TEXT", "payment_method INTEGER"),
		transactionTable(CardPaymentTable),
		transactionTable(CybersourceTable),
		transactionTable(BenevityTable),
		transactionTable(CSCardPaymentTable),
		transactionTable(CardPaymentDMS, "dms_financial_id TEXT"),
		transactionTable(BenevityDMS),
		matcher.StatsSchema(matcher.DefaultStatsTable),
	}
}

// CardType maps a card brand to the short card type code.
func CardType(brand string) string {
	switch strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(brand), " ", "")) {
	case "VISA":
		return "VISA"
	case "MASTERCARD":
		return "MCRD"
	case "AMERICANEXPRESS", "AMEX":
		return "AMEX"
	case "DISCOVER":
		return "DISC"
	default:
		return "OTHER"
	}
}

// cardTypeCase is CardType as a SQL expression over column.
func cardTypeCase(column string) string {
	return fmt.Sprintf(`CASE %s
		WHEN 'VISA' THEN 'VISA'
		WHEN 'MASTERCARD' THEN 'MCRD'
		WHEN 'AMERICANEXPRESS' THEN 'AMEX'
		WHEN 'DISCOVER' THEN 'DISC'
		ELSE 'OTHER'
	END`, column)
}
