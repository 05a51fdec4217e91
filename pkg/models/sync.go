package models

import (
	"time"

	"github.com/Gobusters/ectolinq"
)

type SyncStatus string

const (
	SyncStatusIdle         SyncStatus = "idle"
	SyncStatusSyncing      SyncStatus = "syncing"
	SyncStatusSynced       SyncStatus = "synced"
	SyncStatusError        SyncStatus = "error"
	SyncStatusDisconnected SyncStatus = "disconnected"
)

type SyncDirection string

const (
	SyncInbound  SyncDirection = "inbound"
	SyncOutbound SyncDirection = "outbound"
)

type SyncState struct {
	Status            SyncStatus    `json:"status"`
	LastSyncedAt      *time.Time    `json:"lastSyncedAt,omitempty"`
	LastSyncDirection SyncDirection `json:"lastSyncDirection,omitempty"`
	ErrorMessage      string        `json:"errorMessage,omitempty"`
	ErrorCount        int           `json:"errorCount"`
	StartedAt         *time.Time    `json:"startedAt,omitempty"`
}

// SyncStartStates are the statuses a sync may begin from. An empty status is
// a contract that was never synced.
var SyncStartStates = []SyncStatus{"", SyncStatusIdle, SyncStatusSynced, SyncStatusError, SyncStatusDisconnected}

// Succeeded returns the state after a successful sync. The error count is kept.
func (s SyncState) Succeeded(direction SyncDirection, at time.Time) SyncState {
	return SyncState{
		Status:            SyncStatusSynced,
		LastSyncedAt:      &at,
		LastSyncDirection: direction,
		ErrorCount:        s.ErrorCount,
	}
}

// Failed returns the state after a failed sync. The last successful sync time is kept.
func (s SyncState) Failed(direction SyncDirection, err error) SyncState {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return SyncState{
		Status:            SyncStatusError,
		LastSyncedAt:      s.LastSyncedAt,
		LastSyncDirection: direction,
		ErrorMessage:      msg,
		ErrorCount:        s.ErrorCount + 1,
	}
}

// Started returns the in-flight state begun at at.
func (s SyncState) Started(at time.Time) SyncState {
	s.Status = SyncStatusSyncing
	s.StartedAt = &at
	return s
}

// CanStart reports whether a new sync may begin. A sync still marked as
// running is taken over once it is older than staleAfter; a zero staleAfter
// never takes over. A running sync with no start time predates StartedAt and
// is treated as stale.
func (s SyncState) CanStart(now time.Time, staleAfter time.Duration) bool {
	if s.Status != SyncStatusSyncing {
		return ContainsStatus(SyncStartStates, s.Status)
	}
	if staleAfter <= 0 {
		return false
	}
	if s.StartedAt == nil {
		return true
	}
	return now.Sub(*s.StartedAt) >= staleAfter
}

// Disconnected returns the state for a contract whose external record was removed upstream.
func (s SyncState) Disconnected() SyncState {
	s.Status = SyncStatusDisconnected
	s.ErrorMessage = ""
	s.StartedAt = nil
	return s
}

func ContainsStatus(list []SyncStatus, status SyncStatus) bool {
	return ectolinq.Contains(list, status)
}
