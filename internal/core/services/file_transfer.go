package services

import (
	"fmt"

	"sharechannel/internal/core/domain"
	"sharechannel/internal/core/protocol"
	"sharechannel/pkg/utils"
)

type TransferDirection string

const (
	TransferOutbound TransferDirection = "outbound"
	TransferInbound  TransferDirection = "inbound"
)

// TransferProgress is reported for every chunk sent or received.
type TransferProgress struct {
	TransferID string
	FileName   string
	Peer       domain.PeerID
	Direction  TransferDirection
	Done       int64
	Total      int64
}

// splitFile builds the frames for one outbound transfer. Payloads that fit
// in a single chunk travel inside file-complete; larger ones are streamed as
// file-chunk frames between the start and complete markers.
func splitFile(name, mimeType, userName string, data []byte, chunkSize int) []protocol.Frame {
	id := utils.GenerateMessageID()
	size := int64(len(data))

	if len(data) <= chunkSize {
		return []protocol.Frame{
			protocol.FileStart{TransferID: id, FileName: name, FileSize: size, FileType: mimeType, UserName: userName},
			protocol.FileComplete{TransferID: id, FileName: name, FileSize: size, FileType: mimeType, FileData: data, UserName: userName},
		}
	}

	total := (len(data) + chunkSize - 1) / chunkSize
	frames := make([]protocol.Frame, 0, total+2)
	frames = append(frames, protocol.FileStart{
		TransferID:  id,
		FileName:    name,
		FileSize:    size,
		FileType:    mimeType,
		UserName:    userName,
		TotalChunks: total,
	})
	for i := 0; i < total; i++ {
		end := (i + 1) * chunkSize
		if end > len(data) {
			end = len(data)
		}
		frames = append(frames, protocol.FileChunk{TransferID: id, Index: i, Data: data[i*chunkSize : end]})
	}
	frames = append(frames, protocol.FileComplete{TransferID: id, FileName: name, FileSize: size, FileType: mimeType, UserName: userName})
	return frames
}

// maxOpenTransfersPerPeer bounds how many reassemblies one peer may have in
// flight at once.
const maxOpenTransfersPerPeer = 4

type transferKey struct {
	peer domain.PeerID
	id   string
}

// inboundTransfer reassembles one chunked file from a single peer.
type inboundTransfer struct {
	start    protocol.FileStart
	next     int
	received []byte
}

func newInboundTransfer(start protocol.FileStart) *inboundTransfer {
	// received grows with the chunks; FileSize is only a claim until add
	// has checked each one against it.
	return &inboundTransfer{start: start}
}

func (t *inboundTransfer) add(chunk protocol.FileChunk) error {
	if chunk.Index != t.next {
		return fmt.Errorf("chunk %d out of order, expected %d", chunk.Index, t.next)
	}
	if t.start.TotalChunks > 0 && chunk.Index >= t.start.TotalChunks {
		return fmt.Errorf("chunk %d beyond declared total %d", chunk.Index, t.start.TotalChunks)
	}
	if int64(len(t.received)+len(chunk.Data)) > t.start.FileSize {
		return fmt.Errorf("transfer exceeds declared size %d", t.start.FileSize)
	}
	t.received = append(t.received, chunk.Data...)
	t.next++
	return nil
}

// completePayload returns the file bytes for a completed transfer, checking the
// declared size. inline is the data carried by file-complete, if any.
func completePayload(t *inboundTransfer, done protocol.FileComplete) ([]byte, error) {
	data := done.FileData
	if len(data) == 0 && t != nil {
		data = t.received
		if t.start.TotalChunks > 0 && t.next != t.start.TotalChunks {
			return nil, fmt.Errorf("received %d of %d chunks", t.next, t.start.TotalChunks)
		}
	}
	if int64(len(data)) != done.FileSize {
		return nil, fmt.Errorf("received %d bytes, declared %d", len(data), done.FileSize)
	}
	return data, nil
}
