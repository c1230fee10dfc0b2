package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	SignatureHeader = "X-Hub-Signature-256"
	signaturePrefix = "sha256="
	subscribeMode   = "subscribe"
)

var (
	ErrMissingSignature   = errors.New("signature header is required")
	ErrMalformedSignature = errors.New("signature header is malformed")
	ErrSignatureMismatch  = errors.New("signature does not match payload")
	ErrVerification       = errors.New("signature verification failed")
)

var (
	ErrInvalidMode      = errors.New("hub.mode must be subscribe")
	ErrMissingToken     = errors.New("hub.verify_token is required")
	ErrMissingChallenge = errors.New("hub.challenge is required")
	ErrInvalidToken     = errors.New("hub.verify_token does not match")
)

// SignatureVerifier checks X-Hub-Signature-256 against the raw request body.
type SignatureVerifier struct{}

// Verify returns nil when header is a valid HMAC-SHA256 of rawBody under
// secret.
func (SignatureVerifier) Verify(rawBody []byte, header, secret string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrVerification, r)
		}
	}()

	if header == "" {
		return ErrMissingSignature
	}
	provided, ok := strings.CutPrefix(header, signaturePrefix)
	if !ok {
		return ErrMalformedSignature
	}
	if secret == "" {
		return fmt.Errorf("%w: app secret is not configured", ErrVerification)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	if _, err := mac.Write(rawBody); err != nil {
		return fmt.Errorf("%w: %v", ErrVerification, err)
	}
	expected := mac.Sum(nil)

	if len(provided) != hex.EncodedLen(len(expected)) {
		return ErrSignatureMismatch
	}
	digest, err := hex.DecodeString(provided)
	if err != nil {
		return fmt.Errorf("%w: digest is not hex", ErrVerification)
	}
	if subtle.ConstantTimeCompare(digest, expected) != 1 {
		return ErrSignatureMismatch
	}
	return nil
}

// ChallengeVerifier validates the subscription handshake sent when the
// webhook is registered.
type ChallengeVerifier struct{}

func (ChallengeVerifier) Verify(mode, providedToken, challenge, expectedToken string) error {
	if mode != subscribeMode {
		return ErrInvalidMode
	}
	if providedToken == "" {
		return ErrMissingToken
	}
	if challenge == "" {
		return ErrMissingChallenge
	}
	if len(providedToken) != len(expectedToken) {
		return ErrInvalidToken
	}
	if subtle.ConstantTimeCompare([]byte(providedToken), []byte(expectedToken)) != 1 {
		return ErrInvalidToken
	}
	return nil
}
