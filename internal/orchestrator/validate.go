// Copyright (c) 2026 Taskmaster Team
// Taskmaster - natural-language infrastructure control plane
// This source code is licensed under the MIT license found in the LICENSE file.

package orchestrator

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/toeirei/taskmaster/internal/generate"
)

// maxRequestLength caps natural-language request and chat message sizes.
const maxRequestLength = 1000

var (
	hostnameRe = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?)*$`)
	userIDRe   = regexp.MustCompile(`^[a-zA-Z0-9_-]{3,50}$`)
)

// ValidateHostname checks basic hostname grammar (also accepts IPv4
// literals, which the grammar happens to cover).
func ValidateHostname(hostname string) error {
	if hostname == "" || len(hostname) > 255 {
		return fmt.Errorf("%w: invalid hostname", generate.ErrValidationFailure)
	}
	if !hostnameRe.MatchString(hostname) {
		return fmt.Errorf("%w: invalid hostname %q", generate.ErrValidationFailure, hostname)
	}
	return nil
}

// ValidatePort checks the 1-65535 range.
func ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%w: port %d out of range", generate.ErrValidationFailure, port)
	}
	return nil
}

// ValidateUserID checks the opaque user identifier's shape.
func ValidateUserID(userID string) error {
	if !userIDRe.MatchString(userID) {
		return fmt.Errorf("%w: invalid user id", generate.ErrValidationFailure)
	}
	return nil
}

// ValidateRequestText checks a natural-language request before any model
// call: non-empty after trimming, bounded length, no NUL bytes.
func ValidateRequestText(text string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return fmt.Errorf("%w: empty request", generate.ErrValidationFailure)
	}
	if len(text) > maxRequestLength {
		return fmt.Errorf("%w: request exceeds %d characters", generate.ErrValidationFailure, maxRequestLength)
	}
	if strings.ContainsRune(text, 0) {
		return fmt.Errorf("%w: request contains NUL bytes", generate.ErrValidationFailure)
	}
	return nil
}
