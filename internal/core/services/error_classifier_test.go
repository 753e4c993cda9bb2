package services

import (
	"errors"
	"fmt"
	"testing"

	"sharechannel/internal/core/domain"

	"github.com/stretchr/testify/assert"
)

func TestClassifyError_KnownCategories(t *testing.T) {
	for typ, want := range errorMessages {
		err := domain.NewPeerError(typ, "raw substrate text")
		assert.Equal(t, want, ClassifyError(err), string(typ))
		assert.Equal(t, want, ClassifyError(fmt.Errorf("wrapped: %w", err)), string(typ))
	}
}

func TestClassifyError_Fallbacks(t *testing.T) {
	assert.Equal(t, "socket-closed-weirdly", ClassifyError(domain.NewPeerError("mystery", "socket-closed-weirdly")))
	assert.Equal(t, "plain failure", ClassifyError(errors.New("plain failure")))
	assert.Equal(t, genericErrorMessage, ClassifyError(errors.New("")))
	assert.Equal(t, genericErrorMessage, ClassifyError(nil))
}

func TestForcesReset(t *testing.T) {
	cases := map[domain.PeerErrorType]bool{
		domain.ErrTypePeerUnavailable:   true,
		domain.ErrTypeUnavailableID:     true,
		domain.ErrTypeNetwork:           false,
		domain.ErrTypeServerError:       false,
		domain.ErrTypeWebRTC:            false,
		domain.ErrTypeConnectionTimeout: false,
	}
	for typ, want := range cases {
		assert.Equal(t, want, ForcesReset(domain.NewPeerError(typ, "x")), string(typ))
	}
	assert.False(t, ForcesReset(errors.New("not a peer error")))
}
