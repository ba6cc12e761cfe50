package protocol

// This file collects the server-scope message bodies the session
// needs beyond login/status/branch messages already in messages.go:
// rooms, chat, private messages, and privilege notifications.

// EncodeServerPing is the periodic 30-second keepalive. It carries no body.
func EncodeServerPing() []byte {
	return NewWriter(ServerPing).Finish()
}

// --- Users ---

func EncodeAddUser(username string) []byte {
	return NewWriter(AddUser).WriteString(username).Finish()
}

type AddUserResponse struct {
	Username string
	Exists   bool
	Status   uint32
}

func DecodeAddUserResponse(r *Reader) (AddUserResponse, error) {
	var m AddUserResponse
	var err error
	if m.Username, err = r.ReadString(); err != nil {
		return m, err
	}
	if m.Exists, err = r.ReadBool(); err != nil {
		return m, err
	}
	if !m.Exists {
		return m, nil
	}
	if m.Status, err = r.ReadUint32(); err != nil {
		return m, err
	}
	return m, nil
}

func EncodeGetUserStatus(username string) []byte {
	return NewWriter(GetUserStatus).WriteString(username).Finish()
}

type UserStatus struct {
	Username    string
	Status      uint32
	Privileged  bool
}

func DecodeUserStatus(r *Reader) (UserStatus, error) {
	var m UserStatus
	var err error
	if m.Username, err = r.ReadString(); err != nil {
		return m, err
	}
	if m.Status, err = r.ReadUint32(); err != nil {
		return m, err
	}
	if m.Privileged, err = r.ReadBool(); err != nil {
		return m, err
	}
	return m, nil
}

// --- Rooms ---

func EncodeJoinRoom(room string) []byte {
	return NewWriter(JoinRoom).WriteString(room).Finish()
}

func EncodeLeaveRoom(room string) []byte {
	return NewWriter(LeaveRoom).WriteString(room).Finish()
}

func EncodeSayInChatRoom(room, message string) []byte {
	return NewWriter(SayInChatRoom).WriteString(room).WriteString(message).Finish()
}

type ChatMessage struct {
	Room     string
	Username string
	Message  string
}

func DecodeSayInChatRoom(r *Reader) (ChatMessage, error) {
	var m ChatMessage
	var err error
	if m.Room, err = r.ReadString(); err != nil {
		return m, err
	}
	if m.Username, err = r.ReadString(); err != nil {
		return m, err
	}
	if m.Message, err = r.ReadString(); err != nil {
		return m, err
	}
	return m, nil
}

type RoomMembership struct {
	Room     string
	Username string
}

func DecodeUserJoinedRoom(r *Reader) (RoomMembership, error) {
	var m RoomMembership
	var err error
	if m.Room, err = r.ReadString(); err != nil {
		return m, err
	}
	if m.Username, err = r.ReadString(); err != nil {
		return m, err
	}
	return m, nil
}

func DecodeUserLeftRoom(r *Reader) (RoomMembership, error) {
	return DecodeUserJoinedRoom(r)
}

// RoomListing is one entry of the server's RoomList message: a room
// name and its current user count.
type RoomListing struct {
	Name      string
	UserCount uint32
}

func DecodeRoomList(r *Reader) ([]RoomListing, error) {
	count, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		name, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	userCountCount, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	rooms := make([]RoomListing, 0, len(names))
	for i := uint32(0); i < userCountCount && int(i) < len(names); i++ {
		n, err := r.ReadUint32()
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, RoomListing{Name: names[i], UserCount: n})
	}
	return rooms, nil
}

// --- Private messages ---

func EncodeMessageUser(username, message string) []byte {
	return NewWriter(MessageUser).WriteString(username).WriteString(message).Finish()
}

func EncodeMessageAcked(id uint32) []byte {
	return NewWriter(MessageAcked).WriteUint32(id).Finish()
}

// PrivateMessage is an incoming MessageUser delivery.
type PrivateMessage struct {
	ID        uint32
	Timestamp uint32
	Username  string
	Message   string
	IsAdmin   bool
}

func DecodePrivateMessage(r *Reader) (PrivateMessage, error) {
	var m PrivateMessage
	var err error
	if m.ID, err = r.ReadUint32(); err != nil {
		return m, err
	}
	if m.Timestamp, err = r.ReadUint32(); err != nil {
		return m, err
	}
	if m.Username, err = r.ReadString(); err != nil {
		return m, err
	}
	if m.Message, err = r.ReadString(); err != nil {
		return m, err
	}
	if m.IsAdmin, err = r.ReadBool(); err != nil {
		return m, err
	}
	return m, nil
}

// --- Search ---

func EncodeFileSearch(token int32, query string) []byte {
	return NewWriter(FileSearch).WriteInt32(token).WriteString(query).Finish()
}

// --- Privileges ---

func DecodePrivilegedUsers(r *Reader) ([]string, error) {
	count, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	users := make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		u, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, nil
}

func DecodePrivilegeNotification(r *Reader) (uint32, string, error) {
	id, err := r.ReadUint32()
	if err != nil {
		return 0, "", err
	}
	username, err := r.ReadString()
	if err != nil {
		return 0, "", err
	}
	return id, username, nil
}

func EncodeAckNotifyPrivileges(id uint32) []byte {
	return NewWriter(AckNotifyPrivileges).WriteUint32(id).Finish()
}

// EncodePrivateRoomToggle enables or disables server-side acceptance
// of private room invitations for this account.
func EncodePrivateRoomToggle(enabled bool) []byte {
	return NewWriter(PrivateRoomToggle).WriteBool(enabled).Finish()
}

func EncodeCheckPrivileges() []byte {
	return NewWriter(CheckPrivileges).Finish()
}

func DecodeCheckPrivilegesResponse(r *Reader) (uint32, error) {
	return r.ReadUint32()
}

func DecodeGlobalAdminMessage(r *Reader) (string, error) {
	return r.ReadString()
}
