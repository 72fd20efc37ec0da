package utils

import "strings"

// Auth error codes produced by the gateway itself.
const (
	AuthMissingToken = "missing-token"
	AuthInvalidToken = "invalid-token"
)

var authErrorMessages = map[string]string{
	"email-already-in-use":   "Email already in use. Please try logging in or use a different email.",
	"invalid-email":          "Invalid email address format.",
	"weak-password":          "Password is too weak. Use at least 6 characters with a mix of letters, numbers, and symbols.",
	"user-not-found":         "No account found with this email. Please sign up first.",
	"wrong-password":         "Incorrect password. Please try again.",
	"too-many-requests":      "Too many failed attempts. Please try again in a few minutes.",
	"network-request-failed": "Network error. Please check your internet connection.",
	"popup-blocked":          "Popup blocked by browser. Please allow popups for this site.",
	"unauthorized-domain":    "This domain is not authorized. Please contact support.",
	AuthMissingToken:         "Please sign in to continue.",
	AuthInvalidToken:         "Your session has expired. Please sign in again.",
}

// AuthErrorMessage maps an auth error code (with or without the "auth/" prefix)
// to a user-readable message. Unknown codes get fallback, or a generic message.
func AuthErrorMessage(code, fallback string) string {
	code = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(code)), "auth/")
	if message, ok := authErrorMessages[code]; ok {
		return message
	}
	if strings.TrimSpace(fallback) != "" {
		return fallback
	}
	return "An error occurred. Please try again."
}
