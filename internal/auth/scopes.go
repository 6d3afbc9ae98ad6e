package auth

// Scopes understood by the sync service.
const (
	ScopeSyncRead  = "sync:read"
	ScopeSyncWrite = "sync:write"
)
