package triage

import "context"

// Store persists the processed state.
//
// Load on an empty store returns NewState(). Load on unreadable state returns
// an empty state together with an error wrapping ErrStateLoad.
//
// Save replaces the stored document atomically. Implementations that detect
// a concurrent writer merge the stored records into st before writing, so
// st may gain records during Save.
type Store interface {
	Load(ctx context.Context) (*State, error)
	Save(ctx context.Context, st *State) error
}

// Dispatcher delivers an emitted entry.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg *Message) error
}
