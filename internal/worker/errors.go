package worker

import (
	"go.temporal.io/sdk/temporal"

	"github.com/jdholdren/chapterhouse/internal/catalog"
)

// Error types
//
// These are error types in the temporal sense, not the general "go" error types sense.
// They are used since between activities error types are marshaled and type information is lost.
const (
	errTypeTransient = "transient"
	errTypePermanent = "permanent"
	errTypeInternal  = "internal"
)

// asApplicationError tags an activity error with its catalog class.
// Permanent errors are not retried by temporal.
func asApplicationError(err error) error {
	switch {
	case catalog.IsPermanent(err):
		return temporal.NewNonRetryableApplicationError(err.Error(), errTypePermanent, err)
	case catalog.IsTransient(err):
		return temporal.NewApplicationErrorWithCause(err.Error(), errTypeTransient, err)
	}

	return temporal.NewApplicationErrorWithCause(err.Error(), errTypeInternal, err)
}
