// Package abtest assigns users to experiment variants with a stable,
// portable hash so the same user always lands in the same bucket.
package abtest

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/heraldhq/herald/internal/db"
)

// ControlVariant is the fallback assignment when a test is missing,
// inactive, or misconfigured.
const ControlVariant = "control"

// ErrTestNotFound reports a lookup for an unknown test.
var ErrTestNotFound = errors.New("ab test not found")

// Repo is the slice of the repository the assigner reads.
type Repo interface {
	GetABTestByName(ctx context.Context, name string) (*db.ABTest, error)
}

// Assigner buckets users into A/B test variants.
type Assigner struct {
	repo   Repo
	logger *zap.Logger
}

func New(repo Repo, logger *zap.Logger) *Assigner {
	return &Assigner{repo: repo, logger: logger}
}

// Assign returns the variant for a user in the named test. It is total:
// unknown or inactive tests, lookup failures, and malformed configurations
// all resolve to the control variant.
func (a *Assigner) Assign(ctx context.Context, testName, userID string) string {
	test, err := a.repo.GetABTestByName(ctx, testName)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			a.logger.Warn("ab test lookup failed, assigning control",
				zap.Error(err),
				zap.String("test", testName),
			)
		}
		return ControlVariant
	}
	if test.Status != db.ABTestActive {
		return ControlVariant
	}
	if len(test.Variants) == 0 || len(test.Variants) != len(test.TrafficSplit) {
		a.logger.Warn("ab test misconfigured, assigning control",
			zap.String("test", testName),
		)
		return ControlVariant
	}

	bucket := Bucket(userID)
	cumulative := 0
	for i, split := range test.TrafficSplit {
		cumulative += split
		if bucket < cumulative {
			return test.Variants[i]
		}
	}
	// Splits summing short of 100 leave a remainder bucket.
	return ControlVariant
}

// Bucket maps a user ID to a stable bucket in [0, 100). The hash uses
// 32-bit wraparound multiply-by-31 so assignments match across services
// regardless of implementation language.
func Bucket(userID string) int {
	var h int32
	for _, b := range []byte(userID) {
		h = h*31 + int32(b)
	}
	return bucketOf(h)
}

// bucketOf folds a signed 32-bit hash into [0, 100). The magnitude is taken
// in 64 bits because negating math.MinInt32 in 32 bits wraps back to itself
// and would leave a negative bucket.
func bucketOf(h int32) int {
	v := int64(h)
	if v < 0 {
		v = -v
	}
	return int(v % 100)
}
