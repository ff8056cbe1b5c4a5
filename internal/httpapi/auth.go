package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// verifySignature checks the platform's HMAC-SHA256 signature over the raw
// request body. The header carries "sha256=<hex>". The comparison is
// length-safe and constant-time; any shape problem is a plain 401 without
// detail leakage.
func verifySignature(secret string, body []byte, header string) *authError {
	if header == "" {
		return &authError{status: 401, code: "unauthorized", message: "missing signature header"}
	}
	if !strings.HasPrefix(header, "sha256=") {
		return &authError{status: 401, code: "unauthorized", message: "invalid signature format"}
	}
	provided, err := hex.DecodeString(strings.TrimPrefix(header, "sha256="))
	if err != nil {
		return &authError{status: 401, code: "unauthorized", message: "invalid signature encoding"}
	}

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	expected := mac.Sum(nil)
	if len(provided) != len(expected) {
		return &authError{status: 401, code: "unauthorized", message: "signature length mismatch"}
	}
	if !hmac.Equal(provided, expected) {
		return &authError{status: 401, code: "unauthorized", message: "signature mismatch"}
	}
	return nil
}

// verifyChallenge implements the stateless subscription handshake: echo
// the challenge iff the presented verify token matches configuration.
func verifyChallenge(configuredToken, mode, token, challenge string) (string, bool) {
	if mode != "subscribe" {
		return "", false
	}
	if configuredToken == "" || token != configuredToken {
		return "", false
	}
	if challenge == "" {
		return "", false
	}
	return challenge, true
}

// authorizeAdmin gates the operational endpoints behind a shared bearer
// token.
func authorizeAdmin(authHeader, adminToken string) *authError {
	if adminToken == "" {
		return &authError{status: 403, code: "forbidden", message: "admin surface disabled"}
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return &authError{status: 401, code: "unauthorized", message: "missing or invalid bearer token"}
	}
	provided := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if !hmac.Equal([]byte(provided), []byte(adminToken)) {
		return &authError{status: 403, code: "forbidden", message: "invalid admin token"}
	}
	return nil
}
