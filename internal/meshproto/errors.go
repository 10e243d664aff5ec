package meshproto

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrProtoVersion    = "E_PROTO_VERSION"

	// World state.
	ErrNotLoaded    = "E_NOT_LOADED"
	ErrUnknownVoxel = "E_UNKNOWN_VOXEL"
	ErrCancelled    = "E_CANCELLED"
	ErrInternal     = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrProtoVersion:    {},
	ErrNotLoaded:       {},
	ErrUnknownVoxel:    {},
	ErrCancelled:       {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
