package lead

import (
	"errors"
	"fmt"
)

// Validate checks that l is well-formed. Unknown price tiers are allowed and
// score with the lowest base. All problems are returned joined.
func Validate(l Lead) error {
	var errs []error
	if l.ID == "" {
		errs = append(errs, errors.New("lead: id must not be empty"))
	}
	if l.RestaurantName == "" {
		errs = append(errs, fmt.Errorf("lead %q: restaurant name must not be empty", l.ID))
	}
	if !l.Status.IsValid() {
		errs = append(errs, fmt.Errorf("lead %q: unknown status %q", l.ID, l.Status))
	}
	if !l.Sentiment.IsValid() {
		errs = append(errs, fmt.Errorf("lead %q: unknown sentiment %q", l.ID, l.Sentiment))
	}
	if l.Score < 0 || l.Score > 100 {
		errs = append(errs, fmt.Errorf("lead %q: score %d out of range", l.ID, l.Score))
	}
	return errors.Join(errs...)
}
