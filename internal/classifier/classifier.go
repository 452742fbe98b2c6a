package classifier

import (
	"sort"
	"strings"
	"unicode"

	"github.com/texttheater/golang-levenshtein/levenshtein"

	"github.com/example/ledgersync/internal/confidence"
	"github.com/example/ledgersync/internal/model"
)

// Scores assigned by each rule family.
const (
	ScoreExactName   = 95
	ScoreAlias       = 88
	ScoreFuzzyName   = 70
	ScoreGeneric     = 25
	ScorePartialInfo = 15
	ScoreFloor       = 5
)

// Classifier maps a normalized transaction to a category, an optional
// matched party and a confidence score. It holds no mutable state.
type Classifier struct {
	policy   confidence.Policy
	patterns []PatternRule
	names    map[string]Recipient
	aliases  map[string]Recipient
	payroll  []Recipient
	drift    float64
}

func New(rules Rules, policy confidence.Policy) (*Classifier, error) {
	patterns, err := rules.compile()
	if err != nil {
		return nil, err
	}

	c := &Classifier{
		policy:   policy,
		patterns: patterns,
		names:    make(map[string]Recipient),
		aliases:  make(map[string]Recipient),
		payroll:  rules.Payroll,
		drift:    rules.FuzzyDrift,
	}
	if c.drift <= 0 {
		c.drift = defaultFuzzyDrift
	}
	for _, r := range rules.Payroll {
		if _, dup := c.names[normalize(r.Name)]; !dup {
			c.names[normalize(r.Name)] = r
		}
		for _, a := range r.Aliases {
			if n := normalize(a); n != "" {
				if _, dup := c.aliases[n]; !dup {
					c.aliases[n] = r
				}
			}
		}
	}
	return c, nil
}

type match struct {
	category   model.Category
	party      *string
	confidence int
	rule       string
}

// Classify scores a candidate. Equal input always yields equal output.
func (c *Classifier) Classify(in model.Candidate) model.Classification {
	counterparty := normalize(in.Counterparty)
	description := normalize(in.Description)

	if counterparty == "" && description == "" {
		return c.result(match{category: model.CategoryUncategorized, confidence: ScoreFloor, rule: "missing_metadata"})
	}

	var matches []match
	if m, ok := c.matchPayroll(counterparty, in.Direction); ok {
		matches = append(matches, m)
	}
	text := strings.TrimSpace(in.Counterparty + " " + in.Description)
	for _, p := range c.patterns {
		if p.Direction != "" && p.Direction != in.Direction {
			continue
		}
		if p.re.MatchString(text) {
			matches = append(matches, match{category: p.Category, confidence: p.Confidence, rule: "pattern:" + p.Name})
		}
	}

	if len(matches) == 0 {
		score := ScoreGeneric
		if counterparty == "" || description == "" {
			score = ScorePartialInfo
		}
		return c.result(match{category: model.OtherFor(in.Direction), confidence: score, rule: "generic"})
	}

	return c.result(resolve(matches, in.Direction))
}

// resolve picks the highest-confidence match. When the top score is shared
// by different categories the result falls back to the direction's other
// bucket at that score.
func resolve(matches []match, dir model.Direction) match {
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].confidence > matches[j].confidence
	})
	top := matches[0]
	for _, m := range matches[1:] {
		if m.confidence < top.confidence {
			break
		}
		if m.category != top.category {
			return match{
				category:   model.OtherFor(dir),
				confidence: min(top.confidence, m.confidence),
				rule:       "tie:" + top.rule + "," + m.rule,
			}
		}
	}
	return top
}

func (c *Classifier) result(m match) model.Classification {
	return c.policy.Apply(model.Classification{
		Category:     m.category,
		MatchedParty: m.party,
		Confidence:   m.confidence,
		Rule:         m.rule,
		Source:       model.ClassifiedByRules,
	})
}

func (c *Classifier) matchPayroll(counterparty string, dir model.Direction) (match, bool) {
	if counterparty == "" || dir != model.DirectionDebit {
		return match{}, false
	}
	if r, ok := c.names[counterparty]; ok {
		return payrollMatch(r, ScoreExactName, "payroll:exact"), true
	}
	if r, ok := c.aliases[counterparty]; ok {
		return payrollMatch(r, ScoreAlias, "payroll:alias"), true
	}
	for _, r := range c.payroll {
		if c.partialMatch(counterparty, normalize(r.Name)) {
			return payrollMatch(r, ScoreFuzzyName, "payroll:fuzzy"), true
		}
	}
	return match{}, false
}

func payrollMatch(r Recipient, score int, rule string) match {
	id := r.ID
	if id == "" {
		id = r.Name
	}
	return match{category: r.Kind.category(), party: &id, confidence: score, rule: rule}
}

// partialMatch accepts a counterparty that contains the full recipient name
// as whole words, or one within the allowed edit distance.
func (c *Classifier) partialMatch(counterparty, name string) bool {
	if len(name) < 5 {
		return false
	}
	if strings.Contains(" "+counterparty+" ", " "+name+" ") {
		return true
	}
	distance := levenshtein.DistanceForStrings([]rune(counterparty), []rune(name), levenshtein.DefaultOptions)
	maxLength := float64(max(len(counterparty), len(name)))
	return distance <= int(maxLength*(c.drift/100))
}

// normalize lower-cases, drops punctuation and collapses whitespace. Text
// without any letter or digit normalizes to "".
func normalize(s string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteRune(r)
			space = false
			continue
		}
		space = true
	}
	return b.String()
}
