// Package session holds the authenticated user's identity for one login.
// A Session is created by the login flow, passed explicitly to every
// component that needs identity or credentials, and discarded at logout —
// there is no ambient global to reach for.
package session

// Session is the per-login context: who the user is and the bearer token
// the relay expects in the auth frame.
type Session struct {
	UserID      int64
	Email       string
	DisplayName string
	AvatarURL   string
	Token       string
}

// Identity returns the identifier this client stamps on outbound events and
// uses for conversation filtering: email when known, otherwise the display
// name, otherwise the anonymous fallback.
func (s *Session) Identity() string {
	switch {
	case s == nil:
		return "web"
	case s.Email != "":
		return s.Email
	case s.DisplayName != "":
		return s.DisplayName
	default:
		return "web"
	}
}
