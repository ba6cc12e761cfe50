// Package defaults provides the constant fallback implementations for
// every injected capability: resolvers that answer with empty or zero
// values, an in-memory store for undeliverable search responses, and
// two user-endpoint caches (bounded in-memory and persistent). A host
// application composes these with its own implementations as needed.
package defaults

import (
	"github.com/soulseek-go/soulseek/peer"
	"github.com/soulseek-go/soulseek/protocol"
)

// NoopEnqueueDownload accepts every download request without queueing
// anything.
func NoopEnqueueDownload(username, filename string) error { return nil }

// EmptyBrowseResponse answers every browse with no shared directories.
func EmptyBrowseResponse(username string) ([]protocol.BrowseDirectory, error) {
	return nil, nil
}

// ZeroUserInfo answers every user-info request with an all-zero
// profile.
func ZeroUserInfo(username string) (peer.UserInfo, error) {
	return peer.UserInfo{}, nil
}

// NullPlaceInQueue reports no queue position for any file, which
// suppresses the PlaceInQueueResponse entirely.
func NullPlaceInQueue(username, filename string) (int32, bool) {
	return 0, false
}

// PeerCapabilities bundles the constant implementations above into a
// ready-to-use capability set.
func PeerCapabilities() peer.Capabilities {
	return peer.Capabilities{
		EnqueueDownload:              NoopEnqueueDownload,
		BrowseResponseResolver:       EmptyBrowseResponse,
		UserInfoResponseResolver:     ZeroUserInfo,
		PlaceInQueueResponseResolver: NullPlaceInQueue,
	}
}
