package core

// Registry is the ephemeral bidirectional index between live connection
// handles and authenticated user identities. It exists only while the owning
// hub runs: empty on startup, dropped on shutdown, never package-global.
//
// All access happens on the hub's event-processing goroutine, so the maps
// need no locking.
type Registry struct {
	byConn map[string]string // connection id -> user id
	byUser map[string]string // user id -> connection id
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byConn: make(map[string]string),
		byUser: make(map[string]string),
	}
}

// Register binds a connection to a user in both directions. If the user was
// already bound to a different connection, that stale handle is evicted and
// returned so the caller can terminate the old session. If the connection was
// previously bound to a different user, the old binding is dropped.
func (r *Registry) Register(connID, userID string) (evictedConnID string) {
	if prev, ok := r.byConn[connID]; ok && prev != userID {
		delete(r.byUser, prev)
	}
	if prev, ok := r.byUser[userID]; ok && prev != connID {
		delete(r.byConn, prev)
		evictedConnID = prev
	}
	r.byConn[connID] = userID
	r.byUser[userID] = connID
	return evictedConnID
}

// Resolve returns the user bound to a connection, if any.
func (r *Registry) Resolve(connID string) (string, bool) {
	userID, ok := r.byConn[connID]
	return userID, ok
}

// ConnectionFor returns the live connection of a user, if any.
func (r *Registry) ConnectionFor(userID string) (string, bool) {
	connID, ok := r.byUser[userID]
	return connID, ok
}

// Unregister removes both directions of a connection's binding and returns
// the freed user id for presence demotion. Unregistering an unknown
// connection is a no-op.
func (r *Registry) Unregister(connID string) (string, bool) {
	userID, ok := r.byConn[connID]
	if !ok {
		return "", false
	}
	delete(r.byConn, connID)
	if r.byUser[userID] == connID {
		delete(r.byUser, userID)
	}
	return userID, true
}

// Len reports the number of registered connections.
func (r *Registry) Len() int {
	return len(r.byConn)
}

// Reset drops all entries.
func (r *Registry) Reset() {
	clear(r.byConn)
	clear(r.byUser)
}
