package matchapi

import (
	"encoding/json"
	"strings"

	"github.com/park285/certbattle-match/pkg/matchdto"
)

// classifyStatus maps an HTTP status to an error class.
// Status-poll calls remap 400/404 separately (the match record is gone).
func classifyStatus(status int) matchdto.ErrorClass {
	switch status {
	case 401:
		return matchdto.ClassAuth
	case 403:
		return matchdto.ClassEligibility
	case 404:
		return matchdto.ClassNotFound
	default:
		return matchdto.ClassTransient
	}
}

// extractMessage pulls a human-readable message out of an error body.
// Bodies are any-typed on this backend; "message" and "error" keys are
// tried before falling back to the truncated raw body.
func extractMessage(body []byte) string {
	var m map[string]any
	if err := json.Unmarshal(body, &m); err == nil {
		for _, k := range []string{"message", "error"} {
			if v, ok := m[k].(string); ok && strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v)
			}
		}
	}
	return strings.TrimSpace(truncate(string(body), 256))
}

func statusError(status int, body []byte) *matchdto.APIError {
	return &matchdto.APIError{
		Class:   classifyStatus(status),
		Status:  status,
		Message: extractMessage(body),
	}
}

// asExpired remaps definitive status-poll failures to the expired class.
func asExpired(err error) error {
	ae, ok := err.(*matchdto.APIError)
	if !ok {
		return err
	}
	if ae.Status == 400 || ae.Status == 404 {
		return &matchdto.APIError{Class: matchdto.ClassExpired, Status: ae.Status, Message: ae.Message}
	}
	return err
}
