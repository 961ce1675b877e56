package gateway

import (
	"errors"
	"fmt"

	"donationsvc/internal/domain"
)

// UnreachableError reports that every host/path/encoding combination failed.
type UnreachableError struct {
	Script   string
	Attempts int
	Last     error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("gateway: %s unreachable after %d attempts: %v", e.Script, e.Attempts, e.Last)
}

func (e *UnreachableError) Unwrap() []error {
	return []error{domain.ErrGatewayUnreachable, e.Last}
}

// RejectedError is a well-formed error reply from the gateway.
type RejectedError struct {
	Script      string
	Code        string
	Description string
	Fields      map[string]string
}

func (e *RejectedError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("gateway: %s rejected: %s", e.Script, e.Description)
	}
	return fmt.Sprintf("gateway: %s rejected (%s): %s", e.Script, e.Code, e.Description)
}

func (e *RejectedError) Is(target error) bool {
	return target == domain.ErrGatewayRejected
}

// ErrorCode extracts a machine-readable code from a gateway error, falling
// back to a generic one for transport failures.
func ErrorCode(err error) string {
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		if rejected.Code != "" {
			return rejected.Code
		}
		return "rejected"
	}
	if errors.Is(err, domain.ErrGatewayUnreachable) {
		return "gateway_unreachable"
	}
	return "internal_error"
}
