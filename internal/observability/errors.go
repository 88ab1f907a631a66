package observability

import (
	"errors"
	"fmt"
)

// AggregateErrors joins the non-nil errors, logs one entry describing them through logger and
// returns the joined error wrapped with the operation name. It returns nil when every error is nil.
func AggregateErrors(logger Logger, operation string, errs []error, fields ...Field) error {
	filtered := make([]error, 0, len(errs))
	messages := make([]string, 0, len(errs))
	for _, err := range errs {
		if err == nil {
			continue
		}
		filtered = append(filtered, err)
		messages = append(messages, err.Error())
	}
	if len(filtered) == 0 {
		return nil
	}
	if logger == nil {
		logger = Log()
	}
	logFields := append(fields,
		Field{Key: "operation", Value: operation},
		Field{Key: "error_count", Value: len(filtered)},
		Field{Key: "errors", Value: messages},
	)
	logger.Error("operation errors", logFields...)
	return fmt.Errorf("%s failed: %w", operation, errors.Join(filtered...))
}
