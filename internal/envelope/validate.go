package envelope

import "fmt"

// Error codes surfaced to participants as system/error envelopes.
const (
	ErrParse               = "parse_error"
	ErrProtocolMismatch    = "protocol_mismatch"
	ErrUnauthorizedFrom    = "unauthorized_from"
	ErrMessageTooLarge     = "message_too_large"
	ErrOperationFailed     = "operation_failed"
	ErrTargetNotFound      = "target_not_found"
	ErrStreamNotFound      = "stream_not_found"
	ErrUnauthorized        = "unauthorized"
	ErrParticipantNotFound = "participant_not_found"
	ErrGateway             = "gateway_error"
)

// WireError is an error that is reported back to the responsible
// participant as a system/error envelope. Fatal errors additionally close
// the connection with a policy-violation close code.
type WireError struct {
	Code    string
	Message string
	Fatal   bool
	// Detail fields merged into the system/error payload (attempted_kind,
	// your_capabilities, targets).
	Detail map[string]interface{}
}

func (e *WireError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewWireError builds a non-fatal wire error.
func NewWireError(code, message string) *WireError {
	return &WireError{Code: code, Message: message}
}

// Payload renders the system/error payload for this error.
func (e *WireError) Payload() map[string]interface{} {
	p := map[string]interface{}{
		"error":   e.Code,
		"message": e.Message,
	}
	for k, v := range e.Detail {
		p[k] = v
	}
	return p
}

// SeenFunc reports whether an envelope ID already exists in the space's
// recent history. Used as a cheap duplicate guard.
type SeenFunc func(id string) bool

// Validate enforces inbound envelope shape against the authenticated
// sender identity. The returned error, when non-nil, is always a
// *WireError carrying the taxonomy code and fatality.
func Validate(e *Envelope, authenticatedFrom string, seen SeenFunc) *WireError {
	if e.Protocol != Protocol {
		return &WireError{
			Code:    ErrProtocolMismatch,
			Message: fmt.Sprintf("unsupported protocol %q, want %q", e.Protocol, Protocol),
			Fatal:   true,
		}
	}
	if e.From != authenticatedFrom {
		return &WireError{
			Code:    ErrUnauthorizedFrom,
			Message: fmt.Sprintf("from %q does not match authenticated participant %q", e.From, authenticatedFrom),
			Fatal:   true,
		}
	}
	if e.Kind == "" {
		return NewWireError(ErrParse, "missing kind")
	}
	if e.ID == "" {
		return NewWireError(ErrParse, "missing id")
	}
	if e.TS.IsZero() {
		return NewWireError(ErrParse, "missing or invalid ts")
	}
	if seen != nil && seen(e.ID) {
		return NewWireError(ErrParse, fmt.Sprintf("duplicate envelope id %q", e.ID))
	}
	if e.Context != nil && e.Context.Topic == "" {
		switch e.Context.Operation {
		case ContextPush, ContextPop, ContextResume:
		default:
			return NewWireError(ErrParse, fmt.Sprintf("unknown context operation %q", e.Context.Operation))
		}
	}
	return nil
}
