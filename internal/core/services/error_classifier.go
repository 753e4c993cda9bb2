package services

import (
	"errors"

	"sharechannel/internal/core/domain"
)

const genericErrorMessage = "An unexpected connection error occurred."

var errorMessages = map[domain.PeerErrorType]string{
	domain.ErrTypePeerUnavailable:     "The channel you are trying to reach is not available. Check the channel ID and make sure the host is online.",
	domain.ErrTypeServerError:         "Unable to reach the rendezvous server. Please try again later.",
	domain.ErrTypeNetwork:             "Lost connection to the rendezvous server. Check your network connection.",
	domain.ErrTypeBrowserIncompatible: "This client does not support the WebRTC features required for sharing.",
	domain.ErrTypeDisconnected:        "This peer is disconnected from the rendezvous server and cannot open new connections.",
	domain.ErrTypeInvalidID:           "The channel ID contains invalid characters.",
	domain.ErrTypeUnavailableID:       "This channel ID is already in use. Please choose another one.",
	domain.ErrTypeSSLUnavailable:      "A secure connection to the rendezvous server could not be established.",
	domain.ErrTypeWebRTC:              "The peer-to-peer connection failed. A TURN relay may be required on this network.",
	domain.ErrTypeConnectionTimeout:   "Connection timed out. The channel may not exist or the host may be unreachable.",
}

// ErrorType returns the category of err, or "" when err is not a PeerError.
func ErrorType(err error) domain.PeerErrorType {
	if pe, ok := domain.AsPeerError(err); ok {
		return pe.Type
	}
	return ""
}

// ClassifyError maps a substrate failure to user-facing text. Unknown
// categories fall back to the raw message, then to a generic string.
func ClassifyError(err error) string {
	if err == nil {
		return genericErrorMessage
	}
	if msg, ok := errorMessages[ErrorType(err)]; ok {
		return msg
	}
	var pe *domain.PeerError
	if errors.As(err, &pe) && pe.Cause != nil && pe.Cause.Error() != "" {
		return pe.Cause.Error()
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return genericErrorMessage
}

// ForcesReset reports whether err makes the local identity or its target
// unusable, in which case the session discards its peer and returns to idle.
func ForcesReset(err error) bool {
	switch ErrorType(err) {
	case domain.ErrTypePeerUnavailable, domain.ErrTypeUnavailableID:
		return true
	}
	return false
}
