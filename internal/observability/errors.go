package observability

import (
	"errors"
	"fmt"
)

// AggregateErrors joins the non-nil entries of errs. When any remain, a single error entry
// listing them is written to logger (the global logger when nil) and the joined error is
// returned wrapped with operation.
func AggregateErrors(logger Logger, operation string, errs []error, fields ...Field) error {
	joined := errors.Join(errs...)
	if joined == nil {
		return nil
	}
	var messages []string
	for _, err := range errs {
		if err != nil {
			messages = append(messages, err.Error())
		}
	}
	OrGlobal(logger).Error(operation+" failed", append(fields,
		F("error_count", len(messages)),
		F("errors", messages))...)
	return fmt.Errorf("%s failed: %w", operation, joined)
}
