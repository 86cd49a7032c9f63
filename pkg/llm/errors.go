package llm

import (
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
)

// classifyError maps provider API errors onto the package sentinels so the
// build phases can react without knowing the transport. Unrecognized errors
// pass through wrapped.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	var apierr *sdk.Error
	if !errors.As(err, &apierr) {
		return fmt.Errorf("llm request: %w", err)
	}
	return classify(apierr.StatusCode, err.Error(), err)
}

func classify(status int, message string, err error) error {
	switch status {
	case 429, 529:
		return fmt.Errorf("%w: %w", ErrRateLimited, err)
	case 400, 413:
		if strings.Contains(strings.ToLower(message), "prompt is too long") {
			return fmt.Errorf("%w: %w", ErrContextOverflow, err)
		}
	}
	return fmt.Errorf("llm request: %w", err)
}
