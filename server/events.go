package server

import "github.com/soulseek-go/soulseek/protocol"

// Capabilities collects the injected extension points a Session
// consults while demultiplexing incoming server messages. Every field is optional; a nil field
// means the corresponding event is simply dropped. Unlike peer and
// distributed Capabilities, these are all observers, not resolvers —
// the server connection never asks the host application to answer a
// server-originated request synchronously.
type Capabilities struct {
	RoomMessage        func(protocol.ChatMessage)
	UserJoinedRoom     func(protocol.RoomMembership)
	UserLeftRoom       func(protocol.RoomMembership)
	RoomListUpdated    func([]protocol.RoomListing)
	PrivateMessage     func(protocol.PrivateMessage)
	UserStatusChanged  func(username string, status uint32, privileged bool)
	GlobalAdminMessage func(message string)
	PrivilegedUsers    func(usernames []string)
	PrivilegeGranted   func(id uint32, username string)
	Kicked             func()
	Disconnected       func(error)
}
