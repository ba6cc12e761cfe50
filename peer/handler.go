package peer

import (
	"errors"
	"fmt"

	"github.com/soulseek-go/soulseek/diagnostics"
	"github.com/soulseek-go/soulseek/protocol"
	"github.com/soulseek-go/soulseek/transport"
	"github.com/soulseek-go/soulseek/waiter"
)

// Capabilities collects the injected extension points a peer-scope
// handler consults. Every field is optional; a nil field behaves like
// the constant implementations in the defaults package.
type Capabilities struct {
	EnqueueDownload              func(username, filename string) error
	UserInfoResponseResolver     func(username string) (UserInfo, error)
	PlaceInQueueResponseResolver func(username, filename string) (int32, bool)
	BrowseResponseResolver       func(username string) ([]protocol.BrowseDirectory, error)
	DirectoryContentsResolver    func(username string, token int32, folder string) (protocol.BrowseDirectory, error)
	// SearchResponseReceived observes a SearchResponse a peer delivers
	// for one of our own outstanding searches.
	SearchResponseReceived func(protocol.SearchResponseMessage)
}

// UserInfo is the response payload for a UserInfoRequest.
type UserInfo struct {
	Description  string
	HasPicture   bool
	Picture      []byte
	UploadSlots  int32
	QueueSize    int32
	HasFreeSlots bool
}

// Handler dispatches frames arriving on a classified peer message
// connection to the matching capability. It holds no
// connection-table state of its own — that belongs to Manager — only
// the behavior that reacts to a decoded frame.
type Handler struct {
	waiters *waiter.Registry
	caps    Capabilities
	log     diagnostics.Logger
	sink    diagnostics.Sink
}

// NewHandler builds a Handler. A zero Capabilities value is valid:
// UserInfoRequest and SharesRequest are answered with empty responses,
// while QueueDownload, PlaceInQueueRequest and FolderContentsRequest
// get no reply. waiters may be nil
// if the caller never issues a TransferRequest and so never needs
// PeerTransferResponse correlated back to a waiting caller (the
// transfer engine always supplies one).
func NewHandler(waiters *waiter.Registry, caps Capabilities, log diagnostics.Logger, sink diagnostics.Sink) *Handler {
	if sink == nil {
		sink = diagnostics.NullSink{}
	}
	return &Handler{waiters: waiters, caps: caps, log: log, sink: sink}
}

// Dispatch decodes one frame received on mc and routes it by code. It
// never panics on a malformed frame or capability error: both are
// logged and, where the protocol defines a failure response, answered
// on the wire.
func (h *Handler) Dispatch(username string, mc *transport.MessageConnection, frame []byte) {
	r, err := protocol.Decode(frame)
	if err != nil {
		h.log.Warnf("peer handler: malformed frame from %s: %v", username, err)
		return
	}

	switch r.Code {
	case protocol.QueueDownload:
		h.handleQueueDownload(username, mc, r)
	case protocol.PlaceInQueueRequest:
		h.handlePlaceInQueueRequest(username, mc, r)
	case protocol.UserInfoRequest:
		h.handleUserInfoRequest(username, mc)
	case protocol.SharesRequest:
		h.handleSharesRequest(username, mc)
	case protocol.FolderContentsRequest:
		h.handleFolderContentsRequest(username, mc, r)
	case protocol.SearchResponse:
		h.handleSearchResponse(username, r)
	case protocol.PeerTransferResponse:
		h.handlePeerTransferResponse(username, r)
	default:
		h.log.Debugf("peer handler: unhandled code %d from %s", r.Code, username)
	}
}

func (h *Handler) handleQueueDownload(username string, mc *transport.MessageConnection, r *protocol.Reader) {
	m, err := protocol.DecodeQueueDownload(r)
	if err != nil {
		h.log.Warnf("peer handler: malformed QueueDownload from %s: %v", username, err)
		return
	}

	enqueue := h.caps.EnqueueDownload
	if enqueue == nil {
		return
	}

	if err := enqueue(username, m.Filename); err != nil {
		reason := "Enqueue failed due to internal error"
		var exc *DownloadEnqueueException
		if errors.As(err, &exc) {
			reason = exc.Message
		} else {
			h.sink.Emit(diagnostics.Event{Level: diagnostics.Warning, Source: "peer", Message: fmt.Sprintf("enqueue failed for %s/%s: %v", username, m.Filename, err)})
		}
		frame := protocol.EncodeQueueFailed(protocol.QueueFailedMessage{Filename: m.Filename, Reason: reason})
		if err := mc.SendFrame(frame); err != nil {
			h.log.Warnf("peer handler: failed sending QueueFailed to %s: %v", username, err)
		}
	}
}

func (h *Handler) handlePlaceInQueueRequest(username string, mc *transport.MessageConnection, r *protocol.Reader) {
	filename, err := protocol.DecodePlaceInQueueRequest(r)
	if err != nil {
		h.log.Warnf("peer handler: malformed PlaceInQueueRequest from %s: %v", username, err)
		return
	}
	resolver := h.caps.PlaceInQueueResponseResolver
	if resolver == nil {
		return
	}
	place, ok := resolver(username, filename)
	if !ok {
		return
	}
	frame := protocol.EncodePlaceInQueueResponse(protocol.PlaceInQueueResponseMessage{Filename: filename, Place: place})
	if err := mc.SendFrame(frame); err != nil {
		h.log.Warnf("peer handler: failed sending PlaceInQueueResponse to %s: %v", username, err)
	}
}

// handlePeerTransferResponse completes the waiter a transfer engine
// registered while negotiating an upload or download, correlating the
// reply by (username, token).
func (h *Handler) handlePeerTransferResponse(username string, r *protocol.Reader) {
	if h.waiters == nil {
		return
	}
	resp, err := protocol.DecodePeerTransferResponse(r)
	if err != nil {
		h.log.Warnf("peer handler: malformed PeerTransferResponse from %s: %v", username, err)
		return
	}
	h.waiters.Complete(waiter.New(waiter.NamespacePeerTransferResponse, username, resp.Token), resp)
}

func (h *Handler) handleUserInfoRequest(username string, mc *transport.MessageConnection) {
	var info UserInfo
	if resolver := h.caps.UserInfoResponseResolver; resolver != nil {
		var err error
		info, err = resolver(username)
		if err != nil {
			h.log.Warnf("peer handler: UserInfoResponseResolver failed for %s: %v", username, err)
			return
		}
	}
	w := protocol.NewWriter(protocol.UserInfoResponse).
		WriteString(info.Description).
		WriteBool(info.HasPicture)
	if info.HasPicture {
		w.WriteBytes(info.Picture)
	}
	w.WriteInt32(info.UploadSlots).WriteInt32(info.QueueSize).WriteBool(info.HasFreeSlots)
	if err := mc.SendFrame(w.Finish()); err != nil {
		h.log.Warnf("peer handler: failed sending UserInfoResponse to %s: %v", username, err)
	}
}

func (h *Handler) handleSharesRequest(username string, mc *transport.MessageConnection) {
	resolver := h.caps.BrowseResponseResolver
	var dirs []protocol.BrowseDirectory
	if resolver != nil {
		var err error
		dirs, err = resolver(username)
		if err != nil {
			h.log.Warnf("peer handler: BrowseResponseResolver failed for %s: %v", username, err)
			dirs = nil
		}
	}
	// An empty listing is still answered: the peer's browse UI expects
	// a response either way.
	if err := mc.SendFrame(protocol.EncodeSharesResponse(dirs)); err != nil {
		h.log.Warnf("peer handler: failed sending SharesResponse to %s: %v", username, err)
	}
}

func (h *Handler) handleFolderContentsRequest(username string, mc *transport.MessageConnection, r *protocol.Reader) {
	m, err := protocol.DecodeFolderContentsRequest(r)
	if err != nil {
		h.log.Warnf("peer handler: malformed FolderContentsRequest from %s: %v", username, err)
		return
	}
	resolver := h.caps.DirectoryContentsResolver
	if resolver == nil {
		return
	}
	dir, err := resolver(username, m.Token, m.Folder)
	if err != nil {
		h.log.Warnf("peer handler: DirectoryContentsResolver failed for %s/%s: %v", username, m.Folder, err)
		return
	}
	frame := protocol.EncodeFolderContentsResponse(protocol.FolderContentsResponseMessage{
		Token:     m.Token,
		Folder:    m.Folder,
		Directory: dir,
	})
	if err := mc.SendFrame(frame); err != nil {
		h.log.Warnf("peer handler: failed sending FolderContentsResponse to %s: %v", username, err)
	}
}

func (h *Handler) handleSearchResponse(username string, r *protocol.Reader) {
	if h.caps.SearchResponseReceived == nil {
		return
	}
	m, err := protocol.DecodeSearchResponse(r)
	if err != nil {
		h.log.Warnf("peer handler: malformed SearchResponse from %s: %v", username, err)
		return
	}
	h.caps.SearchResponseReceived(m)
}
