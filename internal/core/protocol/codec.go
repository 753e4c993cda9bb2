// Package protocol implements the JSON frames exchanged over share channel
// data connections and over discovery connections.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"sharechannel/internal/core/domain"
)

var (
	ErrUnknownKind = errors.New("unknown frame kind")
	ErrMalformed   = errors.New("malformed frame")
)

type Kind string

const (
	KindIntro             Kind = "intro"
	KindMessage           Kind = "message"
	KindFileStart         Kind = "file-start"
	KindFileChunk         Kind = "file-chunk"
	KindFileComplete      Kind = "file-complete"
	KindDiscoveryRequest  Kind = "channel_discovery"
	KindDiscoveryResponse Kind = "channel_response"
	KindAnnouncement      Kind = "channel_announcement"
)

// Frame is one decoded application message.
type Frame interface {
	Kind() Kind
	validate() error
}

type Intro struct {
	UserName string `json:"userName"`
	PeerID   string `json:"peerId"`
}

type ChatMessage struct {
	Message domain.Message `json:"message"`
}

// FileStart opens a transfer. TotalChunks is zero when the whole payload
// travels inside FileComplete.
type FileStart struct {
	TransferID  string `json:"transferId,omitempty"`
	FileName    string `json:"fileName"`
	FileSize    int64  `json:"fileSize"`
	FileType    string `json:"fileType"`
	UserName    string `json:"userName"`
	TotalChunks int    `json:"totalChunks,omitempty"`
}

type FileChunk struct {
	TransferID string `json:"transferId"`
	Index      int    `json:"index"`
	Data       []byte `json:"data"`
}

// FileComplete closes a transfer. FileData is set for unchunked transfers.
type FileComplete struct {
	TransferID string `json:"transferId,omitempty"`
	FileName   string `json:"fileName"`
	FileSize   int64  `json:"fileSize"`
	FileType   string `json:"fileType"`
	FileData   []byte `json:"fileData,omitempty"`
	UserName   string `json:"userName"`
}

type DiscoveryRequest struct {
	RequesterID string `json:"requesterId"`
}

type DiscoveryResponse struct {
	ChannelID string `json:"channelId"`
	HostName  string `json:"hostName"`
	PeerCount int    `json:"peerCount"`
}

// Announcement is an unsolicited DiscoveryResponse.
type Announcement DiscoveryResponse

func (Intro) Kind() Kind             { return KindIntro }
func (ChatMessage) Kind() Kind       { return KindMessage }
func (FileStart) Kind() Kind         { return KindFileStart }
func (FileChunk) Kind() Kind         { return KindFileChunk }
func (FileComplete) Kind() Kind      { return KindFileComplete }
func (DiscoveryRequest) Kind() Kind  { return KindDiscoveryRequest }
func (DiscoveryResponse) Kind() Kind { return KindDiscoveryResponse }
func (Announcement) Kind() Kind      { return KindAnnouncement }

func (f Intro) validate() error {
	if f.PeerID == "" {
		return errors.New("intro without peerId")
	}
	return nil
}

func (f ChatMessage) validate() error {
	if f.Message.ID == "" {
		return errors.New("message without id")
	}
	return nil
}

func (f FileStart) validate() error {
	if f.FileName == "" || f.FileSize < 0 || f.TotalChunks < 0 {
		return errors.New("invalid file-start")
	}
	if f.TotalChunks > 0 && f.TransferID == "" {
		return errors.New("chunked file-start without transferId")
	}
	return nil
}

func (f FileChunk) validate() error {
	if f.TransferID == "" || f.Index < 0 {
		return errors.New("invalid file-chunk")
	}
	return nil
}

func (f FileComplete) validate() error {
	if f.FileName == "" || f.FileSize < 0 {
		return errors.New("invalid file-complete")
	}
	return nil
}

func (f DiscoveryRequest) validate() error {
	if f.RequesterID == "" {
		return errors.New("discovery request without requesterId")
	}
	return nil
}

func (f DiscoveryResponse) validate() error {
	if f.ChannelID == "" {
		return errors.New("discovery response without channelId")
	}
	return nil
}

func (f Announcement) validate() error {
	return DiscoveryResponse(f).validate()
}

// Encode serializes f as a JSON object tagged with its kind.
func Encode(f Frame) ([]byte, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", f.Kind(), err)
	}
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("encode %s: %w", f.Kind(), err)
	}
	kind, _ := json.Marshal(f.Kind())
	fields["type"] = kind
	return json.Marshal(fields)
}

// Decode parses a frame. Unknown kinds return ErrUnknownKind and structurally
// invalid frames return ErrMalformed; receivers drop both.
func Decode(data []byte) (Frame, error) {
	var head struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var f Frame
	switch head.Type {
	case KindIntro:
		f = decodeAs[Intro](data)
	case KindMessage:
		f = decodeAs[ChatMessage](data)
	case KindFileStart:
		f = decodeAs[FileStart](data)
	case KindFileChunk:
		f = decodeAs[FileChunk](data)
	case KindFileComplete:
		f = decodeAs[FileComplete](data)
	case KindDiscoveryRequest:
		f = decodeAs[DiscoveryRequest](data)
	case KindDiscoveryResponse:
		f = decodeAs[DiscoveryResponse](data)
	case KindAnnouncement:
		f = decodeAs[Announcement](data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, head.Type)
	}

	if f == nil {
		return nil, fmt.Errorf("%w: %s body", ErrMalformed, head.Type)
	}
	if err := f.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return f, nil
}

func decodeAs[T Frame](data []byte) Frame {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil
	}
	return v
}
