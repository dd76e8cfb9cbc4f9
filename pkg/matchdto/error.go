package matchdto

import "errors"

// ErrorClass classifies a failed backend interaction. The orchestrator
// branches on the class, never on raw transport errors.
type ErrorClass string

const (
	// ClassTransient covers network faults and 5xx responses; tolerated
	// only while polling.
	ClassTransient ErrorClass = "transient"
	// ClassAuth is a 401: the session is invalid and the owning screen
	// must redirect to login.
	ClassAuth ErrorClass = "auth"
	// ClassEligibility is a 403: not eligible for this attempt (join
	// window not open, or room full).
	ClassEligibility ErrorClass = "eligibility"
	// ClassNotFound is a 404: the resource is gone.
	ClassNotFound ErrorClass = "not_found"
	// ClassExpired is synthesized from 400/404 on a status poll or from a
	// resolved-empty snapshot: the match record no longer exists.
	ClassExpired ErrorClass = "expired"
	// ClassMalformed marks a payload that failed boundary validation.
	ClassMalformed ErrorClass = "malformed"
)

// APIError is a classified backend failure. Message carries the backend's
// own text when one was present so it can be surfaced verbatim.
type APIError struct {
	Class   ErrorClass
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "match api error: " + string(e.Class)
}

// ClassOf extracts the error class, defaulting to transient so unknown
// transport failures never escalate past a retry.
func ClassOf(err error) ErrorClass {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Class
	}
	return ClassTransient
}

// MessageOf returns the backend-provided message, or "" when none exists.
func MessageOf(err error) string {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Message
	}
	return ""
}
