package domain

import (
	"errors"
	"fmt"
)

var (
	ErrSessionActive    = errors.New("a channel session is already active")
	ErrNotConnected     = errors.New("no connected peers")
	ErrInvalidChannelID = errors.New("invalid channel id")
	ErrInvalidUserName  = errors.New("invalid user name")
	ErrPeerDestroyed    = errors.New("peer handle destroyed")
	ErrConnectionClosed = errors.New("connection closed")
	ErrSettingNotFound  = errors.New("setting not found")
	ErrIDTaken          = errors.New("id is taken")
	ErrServiceClosed    = errors.New("service closed")
)

// PeerErrorType is the category a substrate failure is reported under.
type PeerErrorType string

const (
	ErrTypePeerUnavailable     PeerErrorType = "peer-unavailable"
	ErrTypeServerError         PeerErrorType = "server-error"
	ErrTypeNetwork             PeerErrorType = "network"
	ErrTypeBrowserIncompatible PeerErrorType = "browser-incompatible"
	ErrTypeDisconnected        PeerErrorType = "disconnected"
	ErrTypeInvalidID           PeerErrorType = "invalid-id"
	ErrTypeUnavailableID       PeerErrorType = "unavailable-id"
	ErrTypeSSLUnavailable      PeerErrorType = "ssl-unavailable"
	ErrTypeWebRTC              PeerErrorType = "webrtc"
	ErrTypeConnectionTimeout   PeerErrorType = "connection-timeout"
)

// PeerError is a categorized substrate failure.
type PeerError struct {
	Type  PeerErrorType
	Cause error
}

func NewPeerError(t PeerErrorType, format string, args ...interface{}) *PeerError {
	return &PeerError{Type: t, Cause: fmt.Errorf(format, args...)}
}

func (e *PeerError) Error() string {
	if e.Cause == nil {
		return string(e.Type)
	}
	return fmt.Sprintf("%s: %v", e.Type, e.Cause)
}

func (e *PeerError) Unwrap() error {
	return e.Cause
}

// AsPeerError extracts a PeerError from an error chain.
func AsPeerError(err error) (*PeerError, bool) {
	var pe *PeerError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
