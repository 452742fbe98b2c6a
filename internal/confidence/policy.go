package confidence

import (
	"fmt"

	"github.com/example/ledgersync/internal/model"
)

const (
	DefaultReviewThreshold      = 40
	DefaultAutoApproveThreshold = 80

	// ManualScore is assigned when an operator sets the category by hand.
	ManualScore = 100
)

// Band is a coarse confidence bucket used by review filters and badges.
type Band string

const (
	BandLow    Band = "low"
	BandMedium Band = "medium"
	BandHigh   Band = "high"
)

// Policy is the single place the review and auto-approval thresholds live.
// Scores below ReviewThreshold always need review; scores at or above
// AutoApproveThreshold may skip review when AutoApprove is on.
type Policy struct {
	ReviewThreshold      int
	AutoApproveThreshold int
	AutoApprove          bool
}

func Default() Policy {
	return Policy{
		ReviewThreshold:      DefaultReviewThreshold,
		AutoApproveThreshold: DefaultAutoApproveThreshold,
	}
}

func (p Policy) Validate() error {
	if p.ReviewThreshold <= 0 || p.ReviewThreshold > p.AutoApproveThreshold || p.AutoApproveThreshold > 100 {
		return fmt.Errorf("confidence thresholds must satisfy 0 < review (%d) <= auto-approve (%d) <= 100",
			p.ReviewThreshold, p.AutoApproveThreshold)
	}
	return nil
}

// NeedsReview is true for low scores and for unresolved categories.
func (p Policy) NeedsReview(score int, category model.Category) bool {
	return score < p.ReviewThreshold || !category.Resolved()
}

// AutoApprovable reports whether a classification may be approved without
// an operator.
func (p Policy) AutoApprovable(score int, category model.Category) bool {
	return p.AutoApprove && score >= p.AutoApproveThreshold && !p.NeedsReview(score, category)
}

func (p Policy) Band(score int) Band {
	switch {
	case score >= p.AutoApproveThreshold:
		return BandHigh
	case score >= p.ReviewThreshold:
		return BandMedium
	default:
		return BandLow
	}
}

// BandRange returns the inclusive score range of a band.
func (p Policy) BandRange(b Band) (lo, hi int, ok bool) {
	switch b {
	case BandLow:
		return 0, p.ReviewThreshold - 1, true
	case BandMedium:
		return p.ReviewThreshold, p.AutoApproveThreshold - 1, true
	case BandHigh:
		return p.AutoApproveThreshold, 100, true
	}
	return 0, 0, false
}

// Apply fills the derived NeedsReview flag of a classification.
func (p Policy) Apply(c model.Classification) model.Classification {
	c.Confidence = Clamp(c.Confidence)
	c.NeedsReview = p.NeedsReview(c.Confidence, c.Category)
	return c
}

func Clamp(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
