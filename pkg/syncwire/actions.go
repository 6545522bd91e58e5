package syncwire

// Room is the logical room every mesh peer joins. Peers on a different
// room name never exchange state.
const Room = "ansible-shared"

// ProtocolVersion is bumped whenever a frame shape changes incompatibly.
// A Step1 carrying a different version is refused with
// ErrorCodeVersionMismatch.
const ProtocolVersion = 1

// Action constants for wire messages
const (
	// Sync session actions
	ActionSyncStep1  = "sync.step1"
	ActionSyncStep2  = "sync.step2"
	ActionSyncUpdate = "sync.update"

	// Notification actions (peer -> peer)
	ActionPeerGoodbye = "peer.goodbye"
)

// Error codes
const (
	ErrorCodeBadRequest      = "BAD_REQUEST"
	ErrorCodeUnauthorized    = "UNAUTHORIZED"
	ErrorCodeRoomMismatch    = "ROOM_MISMATCH"
	ErrorCodeVersionMismatch = "VERSION_MISMATCH"
	ErrorCodeInternalError   = "INTERNAL_ERROR"
	ErrorCodeUnknownAction   = "UNKNOWN_ACTION"
)
