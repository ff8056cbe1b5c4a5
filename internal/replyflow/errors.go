package replyflow

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrMalformedPayload  = errors.New("malformed payload")
	ErrAccountInactive   = errors.New("account inactive")
	ErrBudgetExhausted   = errors.New("daily response budget exhausted")
	ErrCredentialExpired = errors.New("credential expired")
	ErrNotImplemented    = errors.New("not implemented")
)

// IsCredentialExpired distinguishes the send failure subtype that must
// deactivate the account instead of being swallowed.
func IsCredentialExpired(err error) bool {
	return errors.Is(err, ErrCredentialExpired)
}
