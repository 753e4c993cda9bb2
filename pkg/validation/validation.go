package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// PeerIDRegex matches rendezvous identifiers: alphanumerics separated by
	// single dashes or underscores.
	PeerIDRegex = regexp.MustCompile(`^[A-Za-z0-9]+([-_][A-Za-z0-9]+)*$`)

	iceSchemes = map[string]bool{"stun": true, "stuns": true, "turn": true, "turns": true}
)

const (
	MaxPeerIDLength   = 64
	MaxUserNameLength = 40
)

// ValidatePeerID validates a rendezvous identifier.
func ValidatePeerID(peerID string) error {
	if peerID == "" {
		return fmt.Errorf("peer ID is required")
	}
	if len(peerID) > MaxPeerIDLength {
		return fmt.Errorf("peer ID is too long (max %d characters)", MaxPeerIDLength)
	}
	if !PeerIDRegex.MatchString(peerID) {
		return fmt.Errorf("invalid peer ID format")
	}
	return nil
}

// ValidateChannelID validates a user chosen channel identifier. Channel ids
// share the peer id alphabet but may not collide with role prefixes.
func ValidateChannelID(channelID string) error {
	if err := ValidatePeerID(channelID); err != nil {
		return fmt.Errorf("channel ID: %w", err)
	}
	for _, reserved := range []string{"discovery-", "joiner-"} {
		if strings.HasPrefix(channelID, reserved) {
			return fmt.Errorf("channel ID must not start with %q", reserved)
		}
	}
	return nil
}

// ValidateUserName validates a display name.
func ValidateUserName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("user name is required")
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("user name contains invalid characters")
	}
	if utf8.RuneCountInString(name) > MaxUserNameLength {
		return fmt.Errorf("user name is too long (max %d characters)", MaxUserNameLength)
	}
	return nil
}

// ValidateURL validates a server URL.
func ValidateURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be http, https, ws, or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// ValidateICEURL validates a STUN or TURN server URL such as
// "stun:stun.l.google.com:19302" or "turn:turn.example.org:3478?transport=tcp".
func ValidateICEURL(urlStr string) error {
	scheme, rest, ok := strings.Cut(urlStr, ":")
	if !ok || rest == "" {
		return fmt.Errorf("invalid ICE server URL %q", urlStr)
	}
	if !iceSchemes[strings.ToLower(scheme)] {
		return fmt.Errorf("invalid ICE server scheme %q (must be stun, stuns, turn, or turns)", scheme)
	}
	host, _, _ := strings.Cut(rest, "?")
	if strings.TrimPrefix(host, "//") == "" {
		return fmt.Errorf("ICE server URL %q must have a host", urlStr)
	}
	return nil
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}
