package webhook

import "crypto/subtle"

// MismatchBody is returned to the platform when the handshake is refused.
const MismatchBody = "Verification token mismatch"

// Verify answers a webhook subscription handshake. It echoes challenge only
// when mode is "subscribe", the challenge is present and token matches the
// configured secret.
func Verify(mode, challenge, token, secret string) (string, bool) {
	if mode != "subscribe" || challenge == "" || secret == "" {
		return MismatchBody, false
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
		return MismatchBody, false
	}
	return challenge, true
}
