// Package conflict decides between a local and a remote copy of the same
// record when both changed since the last sync. Resolution is version-based:
// the higher version wins, and a tie keeps the local copy, since the local
// copy is what the operator acted on.
package conflict

import "bytes"

// Winner names the side whose data survives a resolution.
type Winner string

const (
	LocalWins  Winner = "local_wins"
	RemoteWins Winner = "remote_wins"
)

// Resolve picks a winner from the two version counters. Remote wins only
// when it is strictly newer.
func Resolve(localVersion, remoteVersion int64) Winner {
	if remoteVersion > localVersion {
		return RemoteWins
	}
	return LocalWins
}

// Record is one side of a conflicted entity.
type Record struct {
	Version int64
	Data    []byte
}

// Resolution is the outcome of comparing two copies of an entity.
type Resolution struct {
	Winner Winner
	// Data is the surviving payload.
	Data []byte
	// Version is the surviving version counter.
	Version int64
	// ShouldPush is set when the local copy won and the remote side still
	// carries the losing data, so a re-upload is required.
	ShouldPush bool
}

// Apply resolves local against remote and returns the record to keep. When
// the local side wins against a diverged remote, ShouldPush signals that the
// winning copy must be sent back out.
func Apply(local, remote Record) Resolution {
	if Resolve(local.Version, remote.Version) == RemoteWins {
		return Resolution{
			Winner:  RemoteWins,
			Data:    remote.Data,
			Version: remote.Version,
		}
	}
	return Resolution{
		Winner:     LocalWins,
		Data:       local.Data,
		Version:    local.Version,
		ShouldPush: local.Version != remote.Version || !bytes.Equal(local.Data, remote.Data),
	}
}
