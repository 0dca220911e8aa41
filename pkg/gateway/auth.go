package gateway

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// Websocket clients get this many signature attempts before the
// connection is closed.
const maxAuthAttempts = 3

const (
	authSuccessEvent = "auth.success"
	authFailureEvent = "auth.failure"
)

// AuthHandler authenticates gateway callers against the shared secret.
// Websocket clients answer an HMAC challenge; HTTP RPC callers present the
// secret in SecretHeader.
type AuthHandler struct {
	sharedSecret string
}

// NewAuthHandler creates a new authentication handler
func NewAuthHandler(sharedSecret string) *AuthHandler {
	return &AuthHandler{
		sharedSecret: sharedSecret,
	}
}

// GenerateChallenge returns 32 random bytes, hex encoded
func (a *AuthHandler) GenerateChallenge() (string, error) {
	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return "", fmt.Errorf("failed to generate challenge: %w", err)
	}
	return hex.EncodeToString(challenge), nil
}

// Sign returns the hex HMAC-SHA256 of challenge under the shared secret,
// which is what a client must answer with.
func (a *AuthHandler) Sign(challenge string) string {
	h := hmac.New(sha256.New, []byte(a.sharedSecret))
	h.Write([]byte(challenge))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks a challenge answer in constant time.
func (a *AuthHandler) VerifySignature(challenge, signature string) bool {
	return subtle.ConstantTimeCompare([]byte(a.Sign(challenge)), []byte(signature)) == 1
}

// VerifySecret checks a secret presented on an HTTP RPC request.
func (a *AuthHandler) VerifySecret(presented string) bool {
	if presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a.sharedSecret), []byte(presented)) == 1
}

// Exhausted reports whether client has used up its signature attempts.
func (a *AuthHandler) Exhausted(client *Client) bool {
	return client.AuthAttempts >= maxAuthAttempts
}

// HandleAuthResponse checks a client's answer to its pending challenge and
// marks the client authenticated on success.
func (a *AuthHandler) HandleAuthResponse(client *Client, signature string) AuthResult {
	if client.Challenge == "" {
		return AuthResult{Event: authFailureEvent, Message: "No challenge found"}
	}
	if a.Exhausted(client) {
		return AuthResult{Event: authFailureEvent, Message: "Too many failed attempts"}
	}

	if !a.VerifySignature(client.Challenge, signature) {
		client.AuthAttempts++
		if a.Exhausted(client) {
			return AuthResult{Event: authFailureEvent, Message: "Too many failed attempts"}
		}
		return AuthResult{Event: authFailureEvent, Message: "Invalid signature"}
	}

	client.Authenticated = true
	client.State = StateAuthenticated
	client.AuthAttempts = 0
	client.Challenge = ""

	return AuthResult{Event: authSuccessEvent, Success: true}
}
