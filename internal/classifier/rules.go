package classifier

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/example/ledgersync/internal/model"
)

// RecipientKind selects the payroll bucket a recipient resolves to.
type RecipientKind string

const (
	KindEmployee   RecipientKind = "employee"
	KindContractor RecipientKind = "contractor"
)

func (k RecipientKind) category() model.Category {
	if k == KindContractor {
		return model.CategoryContractor
	}
	return model.CategorySalary
}

// Recipient is a known payroll counterparty.
type Recipient struct {
	ID      string        `yaml:"id"`
	Name    string        `yaml:"name"`
	Kind    RecipientKind `yaml:"kind"`
	Aliases []string      `yaml:"aliases"`
}

// PatternRule matches the reference text of a transaction.
type PatternRule struct {
	Name       string          `yaml:"name"`
	Category   model.Category  `yaml:"category"`
	Pattern    string          `yaml:"pattern"`
	Confidence int             `yaml:"confidence"`
	Direction  model.Direction `yaml:"direction,omitempty"`

	re *regexp.Regexp
}

// Rules is the classifier's configuration. The zero value classifies
// everything through the generic fallback.
type Rules struct {
	Payroll  []Recipient   `yaml:"payroll"`
	Patterns []PatternRule `yaml:"patterns"`

	// ReplaceDefaultPatterns drops the built-in pattern set instead of
	// appending the file's patterns to it.
	ReplaceDefaultPatterns bool `yaml:"replace_default_patterns"`

	// FuzzyDrift is the percentage of the longer name that may differ for a
	// fuzzy payroll match. Zero means the default.
	FuzzyDrift float64 `yaml:"fuzzy_drift"`
}

const defaultFuzzyDrift = 15

// DefaultPatterns is the built-in reference pattern set.
func DefaultPatterns() []PatternRule {
	return []PatternRule{
		{Name: "software_subscription", Category: model.CategorySoftware, Confidence: 75, Direction: model.DirectionDebit,
			Pattern: `(?i)\b(subscription|monthly plan|annual plan|saas|github|atlassian|slack|google workspace|notion|figma|aws|digitalocean|heroku|vercel)\b`},
		{Name: "bank_fees", Category: model.CategoryBankFees, Confidence: 72, Direction: model.DirectionDebit,
			Pattern: `(?i)\b(fee|fees|commission|service charge)\b`},
		{Name: "tax", Category: model.CategoryTax, Confidence: 70, Direction: model.DirectionDebit,
			Pattern: `(?i)\b(tax|vat|irs|hmrc|withholding)\b`},
		{Name: "refund", Category: model.CategoryRefund, Confidence: 70, Direction: model.DirectionCredit,
			Pattern: `(?i)\b(refund|refunded|reversal)\b`},
		{Name: "interest", Category: model.CategoryInterest, Confidence: 70, Direction: model.DirectionCredit,
			Pattern: `(?i)\binterest\b`},
		{Name: "client_revenue", Category: model.CategoryClientRevenue, Confidence: 68, Direction: model.DirectionCredit,
			Pattern: `(?i)(\binvoice\b|\binv-?\d+|\bpayment for\b)`},
		{Name: "travel", Category: model.CategoryTravel, Confidence: 65, Direction: model.DirectionDebit,
			Pattern: `(?i)\b(airline|airways|hotel|airbnb|uber|booking\.com|lyft)\b`},
		{Name: "internal_transfer", Category: model.CategoryInternalTransfer, Confidence: 65,
			Pattern: `(?i)\b(conversion|converted|balance transfer|own account)\b`},
		{Name: "office", Category: model.CategoryOffice, Confidence: 62, Direction: model.DirectionDebit,
			Pattern: `(?i)\b(rent|coworking|wework|office supplies)\b`},
		{Name: "marketing", Category: model.CategoryMarketing, Confidence: 62, Direction: model.DirectionDebit,
			Pattern: `(?i)\b(advertising|google ads|facebook ads|linkedin ads|meta ads)\b`},
	}
}

// LoadRules reads a YAML rules file.
func LoadRules(path string) (Rules, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("read classifier rules: %w", err)
	}
	return ParseRules(raw)
}

func ParseRules(raw []byte) (Rules, error) {
	var r Rules
	if err := yaml.Unmarshal(raw, &r); err != nil {
		return Rules{}, fmt.Errorf("parse classifier rules: %w", err)
	}
	return r, nil
}

// compile validates the rules and returns the effective pattern list.
func (r Rules) compile() ([]PatternRule, error) {
	for i, p := range r.Payroll {
		if strings.TrimSpace(p.Name) == "" {
			return nil, fmt.Errorf("payroll[%d]: name is required", i)
		}
		switch p.Kind {
		case "", KindEmployee, KindContractor:
		default:
			return nil, fmt.Errorf("payroll[%d]: unknown kind %q", i, p.Kind)
		}
	}

	var patterns []PatternRule
	if !r.ReplaceDefaultPatterns {
		patterns = append(patterns, DefaultPatterns()...)
	}
	patterns = append(patterns, r.Patterns...)

	for i := range patterns {
		p := &patterns[i]
		if !p.Category.Resolved() {
			return nil, fmt.Errorf("pattern %q: category %q is not in the taxonomy", p.Name, p.Category)
		}
		if p.Confidence < 60 || p.Confidence > 79 {
			return nil, fmt.Errorf("pattern %q: confidence %d outside 60-79", p.Name, p.Confidence)
		}
		if p.Direction != "" && !p.Direction.Valid() {
			return nil, fmt.Errorf("pattern %q: invalid direction %q", p.Name, p.Direction)
		}
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p.Name, err)
		}
		p.re = re
	}
	return patterns, nil
}
