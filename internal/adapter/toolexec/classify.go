// Package toolexec runs tools for the gateway: local processes, MCP servers,
// and a mux routing tool ids between them.
package toolexec

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/aymankanso/agent/internal/domain"
)

// transientPatterns are substrings of failures that usually resolve on their own.
// Checked case-insensitively, before permanentPatterns.
var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"timeout",
	"timed out",
	"deadline exceeded",
	"temporarily unavailable",
	"service unavailable",
	"try again",
	"unavailable",
	"resourceexhausted",
}

// permanentPatterns are failures a retry cannot fix.
var permanentPatterns = []string{
	"executable file not found",
	"command not found",
	"no such file or directory",
	"permission denied",
	"invalid argument",
	"invalid option",
	"unrecognized option",
	"usage:",
	"not found",
}

// Classify marks err as permanent when retrying cannot help. Errors already
// wrapping domain.ErrPermanentFailure and context errors are returned as is;
// anything unrecognized stays transient.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrPermanentFailure) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, exec.ErrNotFound) {
		return permanent(err)
	}

	lower := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(lower, p) {
			return err
		}
	}
	for _, p := range permanentPatterns {
		if strings.Contains(lower, p) {
			return permanent(err)
		}
	}
	return err
}

func permanent(err error) error {
	return fmt.Errorf("%w: %w", domain.ErrPermanentFailure, err)
}

// IsPermanent reports whether err was classified as permanent.
func IsPermanent(err error) bool {
	return errors.Is(err, domain.ErrPermanentFailure)
}
