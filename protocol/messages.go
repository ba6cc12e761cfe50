package protocol

import "crypto/md5"

// This file collects the encode/decode pairs for the specific message
// bodies this module's managers and handlers need, beyond the generic
// Writer/Reader primitives and the PeerInit/PierceFirewall/
// ConnectToPeer handshake messages in init.go. Every message here is
// len||code||body framed identically (see Writer.Finish/Decode).

// --- Server scope ---

// LoginRequest is the first message sent on the server connection.
type LoginRequest struct {
	Username      string
	Password      string
	ClientVersion uint32
}

// EncodeLogin produces the login wire shape: username, password, version, then the MD5 hash of
// username+password, then a trailing zero field (minor-version slot
// in the real protocol, always zero here).
func EncodeLogin(m LoginRequest) []byte {
	sum := md5.Sum([]byte(m.Username + m.Password))
	hash := make([]byte, len(sum))
	copy(hash, sum[:])
	return NewWriter(Login).
		WriteString(m.Username).
		WriteString(m.Password).
		WriteUint32(m.ClientVersion).
		WriteBytes(hash).
		WriteUint32(0).
		Finish()
}

// LoginResponse is the server's reply to LoginRequest.
type LoginResponse struct {
	Success bool
	Reason  string
}

func DecodeLoginResponse(r *Reader) (LoginResponse, error) {
	var resp LoginResponse
	ok, err := r.ReadBool()
	if err != nil {
		return resp, err
	}
	resp.Success = ok
	if !ok {
		reason, err := r.ReadString()
		if err != nil {
			return resp, err
		}
		resp.Reason = reason
	}
	return resp, nil
}

// EncodeSetListenPort advertises this client's inbound port to the
// server immediately after login.
func EncodeSetListenPort(port uint32) []byte {
	return NewWriter(SetListenPort).WriteUint32(port).Finish()
}

// EncodeSetOnlineStatus publishes the client's online/away status.
func EncodeSetOnlineStatus(status uint32) []byte {
	return NewWriter(SetOnlineStatus).WriteUint32(status).Finish()
}

// EncodeHaveNoParent publishes whether the distributed manager is
// currently seeking a parent.
func EncodeHaveNoParent(haveNoParent bool) []byte {
	return NewWriter(HaveNoParent).WriteBool(haveNoParent).Finish()
}

// EncodeParentIP publishes the address of the accepted distributed
// parent to the server.
func EncodeParentIP(ip [4]byte) []byte {
	return NewWriter(ParentIP).WriteIP(ip).Finish()
}

// EncodeBranchLevel/EncodeBranchRoot publish this node's current
// position in the distributed mesh.
func EncodeBranchLevel(level int32) []byte {
	return NewWriter(BranchLevel).WriteInt32(level).Finish()
}

func EncodeBranchRoot(root string) []byte {
	return NewWriter(BranchRoot).WriteString(root).Finish()
}

// EncodeConnectToPeerBroker is the server-facing encoding of a
// solicitation request.
func EncodeConnectToPeerBroker(token int32, username string, connType ConnType) []byte {
	return EncodeConnectToPeer(ConnectToPeerRequest{Token: token, Username: username, ConnectionType: connType})
}

// NetInfoEntry is one candidate parent in a NetInfo message.
type NetInfoEntry struct {
	Username string
	IP       [4]byte
	Port     uint32
}

// DecodeNetInfo parses the server's list of distributed-parent
// candidates.
func DecodeNetInfo(r *Reader) ([]NetInfoEntry, error) {
	count, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	entries := make([]NetInfoEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		username, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		ip, err := r.ReadIP()
		if err != nil {
			return nil, err
		}
		port, err := r.ReadUint32()
		if err != nil {
			return nil, err
		}
		entries = append(entries, NetInfoEntry{Username: username, IP: ip, Port: port})
	}
	return entries, nil
}

// PeerAddress is the server's answer to a GetPeerAddress request, as
// parsed by DecodeGetPeerAddressResponse.
type PeerAddress struct {
	Username string
	IP       [4]byte
	Port     uint32
}

func DecodeGetPeerAddressResponse(r *Reader) (PeerAddress, error) {
	var a PeerAddress
	var err error
	if a.Username, err = r.ReadString(); err != nil {
		return a, err
	}
	if a.IP, err = r.ReadIP(); err != nil {
		return a, err
	}
	if a.Port, err = r.ReadUint32(); err != nil {
		return a, err
	}
	return a, nil
}

func EncodeGetPeerAddress(username string) []byte {
	return NewWriter(GetPeerAddress).WriteString(username).Finish()
}

// --- Distributed scope ---

// SearchRequestMessage is the distributed-mesh search flood payload.
type SearchRequestMessage struct {
	Username string
	Token    int32
	Query    string
}

func EncodeSearchRequest(m SearchRequestMessage) []byte {
	return NewWriter(SearchRequest).
		WriteString(m.Username).
		WriteInt32(m.Token).
		WriteString(m.Query).
		Finish()
}

func DecodeSearchRequest(r *Reader) (SearchRequestMessage, error) {
	var m SearchRequestMessage
	var err error
	if m.Username, err = r.ReadString(); err != nil {
		return m, err
	}
	if m.Token, err = r.ReadInt32(); err != nil {
		return m, err
	}
	if m.Query, err = r.ReadString(); err != nil {
		return m, err
	}
	return m, nil
}

func EncodeDistributedBranchLevel(level int32) []byte {
	return NewWriter(DistributedBranchLevel).WriteInt32(level).Finish()
}

func EncodeDistributedBranchRoot(root string) []byte {
	return NewWriter(DistributedBranchRoot).WriteString(root).Finish()
}

func DecodeDistributedBranchLevel(r *Reader) (int32, error) { return r.ReadInt32() }
func DecodeDistributedBranchRoot(r *Reader) (string, error) { return r.ReadString() }

// --- Peer scope ---

// SearchResponseMessage carries the files one peer offers for a given
// search token.
type SearchResponseMessage struct {
	Username string
	Token    int32
	Files    []FileRecord
}

func EncodeSearchResponse(m SearchResponseMessage) []byte {
	w := NewWriter(SearchResponse).
		WriteString(m.Username).
		WriteInt32(m.Token).
		WriteUint32(uint32(len(m.Files)))
	for _, f := range m.Files {
		WriteFileRecord(w, f)
	}
	return w.Finish()
}

func DecodeSearchResponse(r *Reader) (SearchResponseMessage, error) {
	var m SearchResponseMessage
	var err error
	if m.Username, err = r.ReadString(); err != nil {
		return m, err
	}
	if m.Token, err = r.ReadInt32(); err != nil {
		return m, err
	}
	count, err := r.ReadUint32()
	if err != nil {
		return m, err
	}
	m.Files = make([]FileRecord, 0, count)
	for i := uint32(0); i < count; i++ {
		f, err := ReadFileRecord(r)
		if err != nil {
			return m, err
		}
		m.Files = append(m.Files, f)
	}
	return m, nil
}

// QueueDownloadMessage is sent by a peer requesting us to enqueue a
// file for upload.
type QueueDownloadMessage struct {
	Filename string
}

func EncodeQueueDownload(filename string) []byte {
	return NewWriter(QueueDownload).WriteString(filename).Finish()
}

func DecodeQueueDownload(r *Reader) (QueueDownloadMessage, error) {
	filename, err := r.ReadString()
	return QueueDownloadMessage{Filename: filename}, err
}

// QueueFailedMessage rejects a QueueDownload with a reason, carrying
// the enqueue callback's message verbatim.
type QueueFailedMessage struct {
	Filename string
	Reason   string
}

func EncodeQueueFailed(m QueueFailedMessage) []byte {
	return NewWriter(QueueFailed).WriteString(m.Filename).WriteString(m.Reason).Finish()
}

func DecodeQueueFailed(r *Reader) (QueueFailedMessage, error) {
	var m QueueFailedMessage
	var err error
	if m.Filename, err = r.ReadString(); err != nil {
		return m, err
	}
	if m.Reason, err = r.ReadString(); err != nil {
		return m, err
	}
	return m, nil
}

// TransferRequestMessage opens the handshake on a fresh transfer
// connection: which direction, what token, which file, and (for
// uploads) its size.
type TransferRequestMessage struct {
	Direction uint32 // 0 = download (peer->us), 1 = upload (us->peer)
	Token     int32
	Filename  string
	Size      uint64
}

func EncodeTransferRequest(m TransferRequestMessage) []byte {
	return NewWriter(TransferRequest).
		WriteUint32(m.Direction).
		WriteInt32(m.Token).
		WriteString(m.Filename).
		WriteUint64(m.Size).
		Finish()
}

func DecodeTransferRequest(r *Reader) (TransferRequestMessage, error) {
	var m TransferRequestMessage
	var err error
	if m.Direction, err = r.ReadUint32(); err != nil {
		return m, err
	}
	if m.Token, err = r.ReadInt32(); err != nil {
		return m, err
	}
	if m.Filename, err = r.ReadString(); err != nil {
		return m, err
	}
	if m.Size, err = r.ReadUint64(); err != nil {
		return m, err
	}
	return m, nil
}

// PeerTransferResponseMessage answers a TransferRequest: whether the
// peer allows the transfer to proceed, and if not, why.
type PeerTransferResponseMessage struct {
	Token   int32
	Allowed bool
	Reason  string
}

func EncodePeerTransferResponse(m PeerTransferResponseMessage) []byte {
	w := NewWriter(PeerTransferResponse).WriteInt32(m.Token).WriteBool(m.Allowed)
	if !m.Allowed {
		w.WriteString(m.Reason)
	}
	return w.Finish()
}

func DecodePeerTransferResponse(r *Reader) (PeerTransferResponseMessage, error) {
	var m PeerTransferResponseMessage
	var err error
	if m.Token, err = r.ReadInt32(); err != nil {
		return m, err
	}
	if m.Allowed, err = r.ReadBool(); err != nil {
		return m, err
	}
	if !m.Allowed {
		if m.Reason, err = r.ReadString(); err != nil {
			return m, err
		}
	}
	return m, nil
}

// PlaceInQueueResponseMessage answers a PlaceInQueueRequest with this
// download's position in the uploader's queue.
type PlaceInQueueResponseMessage struct {
	Filename string
	Place    int32
}

func EncodePlaceInQueueResponse(m PlaceInQueueResponseMessage) []byte {
	return NewWriter(PlaceInQueueResponse).WriteString(m.Filename).WriteInt32(m.Place).Finish()
}

func DecodePlaceInQueueResponse(r *Reader) (PlaceInQueueResponseMessage, error) {
	var m PlaceInQueueResponseMessage
	var err error
	if m.Filename, err = r.ReadString(); err != nil {
		return m, err
	}
	if m.Place, err = r.ReadInt32(); err != nil {
		return m, err
	}
	return m, nil
}

func EncodePlaceInQueueRequest(filename string) []byte {
	return NewWriter(PlaceInQueueRequest).WriteString(filename).Finish()
}

func DecodePlaceInQueueRequest(r *Reader) (string, error) {
	return r.ReadString()
}

// BrowseDirectory is one shared directory in a browse (shares) or
// folder-contents listing.
type BrowseDirectory struct {
	Name  string
	Files []FileRecord
}

func writeBrowseDirectory(w *Writer, d BrowseDirectory) {
	w.WriteString(d.Name)
	w.WriteUint32(uint32(len(d.Files)))
	for _, f := range d.Files {
		WriteFileRecord(w, f)
	}
}

func readBrowseDirectory(r *Reader) (BrowseDirectory, error) {
	var d BrowseDirectory
	var err error
	if d.Name, err = r.ReadString(); err != nil {
		return d, err
	}
	count, err := r.ReadUint32()
	if err != nil {
		return d, err
	}
	for i := uint32(0); i < count; i++ {
		f, err := ReadFileRecord(r)
		if err != nil {
			return d, err
		}
		d.Files = append(d.Files, f)
	}
	return d, nil
}

// EncodeSharesRequest asks a peer for its full share listing. The
// request carries no body.
func EncodeSharesRequest() []byte {
	return NewWriter(SharesRequest).Finish()
}

func EncodeSharesResponse(dirs []BrowseDirectory) []byte {
	w := NewWriter(SharesResponse).WriteUint32(uint32(len(dirs)))
	for _, d := range dirs {
		writeBrowseDirectory(w, d)
	}
	return w.Finish()
}

func DecodeSharesResponse(r *Reader) ([]BrowseDirectory, error) {
	count, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	dirs := make([]BrowseDirectory, 0, count)
	for i := uint32(0); i < count; i++ {
		d, err := readBrowseDirectory(r)
		if err != nil {
			return nil, err
		}
		dirs = append(dirs, d)
	}
	return dirs, nil
}

// FolderContentsRequestMessage asks a peer for the contents of one
// directory of its share.
type FolderContentsRequestMessage struct {
	Token  int32
	Folder string
}

func EncodeFolderContentsRequest(m FolderContentsRequestMessage) []byte {
	return NewWriter(FolderContentsRequest).WriteInt32(m.Token).WriteString(m.Folder).Finish()
}

func DecodeFolderContentsRequest(r *Reader) (FolderContentsRequestMessage, error) {
	var m FolderContentsRequestMessage
	var err error
	if m.Token, err = r.ReadInt32(); err != nil {
		return m, err
	}
	if m.Folder, err = r.ReadString(); err != nil {
		return m, err
	}
	return m, nil
}

// FolderContentsResponseMessage answers a FolderContentsRequest with
// the listing of the requested directory, echoing the request token
// and folder name back.
type FolderContentsResponseMessage struct {
	Token     int32
	Folder    string
	Directory BrowseDirectory
}

func EncodeFolderContentsResponse(m FolderContentsResponseMessage) []byte {
	w := NewWriter(FolderContentsResponse).WriteInt32(m.Token).WriteString(m.Folder)
	writeBrowseDirectory(w, m.Directory)
	return w.Finish()
}

func DecodeFolderContentsResponse(r *Reader) (FolderContentsResponseMessage, error) {
	var m FolderContentsResponseMessage
	var err error
	if m.Token, err = r.ReadInt32(); err != nil {
		return m, err
	}
	if m.Folder, err = r.ReadString(); err != nil {
		return m, err
	}
	if m.Directory, err = readBrowseDirectory(r); err != nil {
		return m, err
	}
	return m, nil
}
