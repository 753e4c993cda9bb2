package domain

import (
	"strings"
	"time"
)

type MessageKind string

const (
	MessageText  MessageKind = "text"
	MessageImage MessageKind = "image"
	MessageFile  MessageKind = "file"
)

const (
	SystemSenderID   = "system"
	SystemSenderName = "System"
)

type FileInfo struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"type"`
	Payload  []byte `json:"data,omitempty"`
}

type Message struct {
	Kind       MessageKind `json:"type"`
	ID         string      `json:"id"`
	SenderID   string      `json:"senderId"`
	SenderName string      `json:"senderName"`
	Timestamp  time.Time   `json:"timestamp"`
	Content    string      `json:"content"`
	FileInfo   *FileInfo   `json:"fileInfo,omitempty"`
}

func (m Message) IsSystem() bool {
	return m.SenderID == SystemSenderID
}

// KindForMimeType picks the message kind a received file is logged under.
func KindForMimeType(mime string) MessageKind {
	if strings.HasPrefix(mime, "image/") {
		return MessageImage
	}
	return MessageFile
}
