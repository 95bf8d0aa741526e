package observability

import (
	"errors"

	"github.com/pegbridge/escrow/errs"
)

// SettlementFailure reports a failed asset settlement together with any
// errors from unwinding its partial transfers. It logs one structured entry
// and folds everything into a single transfer-failed envelope, so callers and
// retry policies see one error with every cause attached.
func SettlementFailure(engine, operation string, primary error, unwind ...error) error {
	causes := make([]error, 0, 1+len(unwind))
	messages := make([]string, 0, 1+len(unwind))
	for _, err := range append([]error{primary}, unwind...) {
		if err == nil {
			continue
		}
		causes = append(causes, err)
		messages = append(messages, err.Error())
	}
	if len(causes) == 0 {
		return nil
	}

	Log().Error("settlement failed",
		String("engine", engine),
		String("operation", operation),
		Field{Key: "error_count", Value: len(causes)},
		Field{Key: "errors", Value: messages},
	)

	return errs.New(engine, errs.CodeTransferFailed,
		errs.WithMessage(operation+" settlement failed"),
		errs.WithCause(errors.Join(causes...)))
}
