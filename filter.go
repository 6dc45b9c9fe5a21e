package runspace

import (
	"context"
	"errors"
)

// filterBody pipes the invocation input through the predicate bound as
// the first positional argument.
const filterBody = `where "$1"`

// Filter narrows a sealed result set inside the session that will evaluate
// expr, an engine-native predicate passed through unmodified as a bound
// argument. The session is reset first so only the filter's own
// diagnostics are visible afterwards. input is never modified.
func Filter(ctx context.Context, s *Session, input *ResultSet, expr string) (*ResultSet, error) {
	if input == nil || !input.Sealed() {
		return nil, ErrNotSealed
	}
	if input.Len() == 0 {
		return NewResultSet(), nil
	}
	if err := s.Reset(ctx); err != nil {
		return nil, err
	}

	s.log.Info().Str("filter", expr).Int("input", input.Len()).Msg("filter used")
	out, err := s.SubmitWithInput(ctx, NewCommand(filterBody, nil), []string{expr}, input)
	if err != nil {
		var invErr *InvocationError
		if errors.As(err, &invErr) {
			return nil, newFilterError(expr, invErr.Errors, invErr.Fault)
		}
		return nil, err
	}

	if errs := s.Diagnostics().Error; len(errs) > 0 {
		return nil, newFilterError(expr, errs, "")
	}
	s.log.Info().
		Int("results", input.Len()).
		Int("evaluation_results", out.Len()).
		Msg("filter completed")
	return out, nil
}

func newFilterError(expr string, errs []Diagnostic, fault string) *FilterError {
	fe := &FilterError{Expression: expr, Errors: errs}
	if len(errs) > 0 {
		fe.First = errs[0]
	} else {
		fe.First = Diagnostic{Kind: Error, Message: fault, Cause: "terminating"}
	}
	return fe
}
