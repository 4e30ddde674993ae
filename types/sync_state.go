package types

import "fmt"

type SyncKind int

const (
	NotSynced SyncKind = iota
	Syncing
	Synced
)

func (k SyncKind) String() string {
	switch k {
	case NotSynced:
		return "not-synced"
	case Syncing:
		return "syncing"
	case Synced:
		return "synced"
	default:
		return "unknown"
	}
}

// SyncState is NotSynced(Err), Syncing or Synced. Err is only set for
// NotSynced and may be nil there when nothing failed yet.
type SyncState struct {
	Kind SyncKind
	Err  error
}

func NotSyncedState(err error) SyncState { return SyncState{Kind: NotSynced, Err: err} }
func SyncingState() SyncState            { return SyncState{Kind: Syncing} }
func SyncedState() SyncState             { return SyncState{Kind: Synced} }

// Failed reports whether the state carries an error.
func (s SyncState) Failed() bool { return s.Kind == NotSynced && s.Err != nil }

func (s SyncState) String() string {
	if s.Err != nil {
		return fmt.Sprintf("%s(%v)", s.Kind, s.Err)
	}
	return s.Kind.String()
}
