package session

import (
	"time"

	"PPAuth/tools/clock"
)

type Status string

const (
	StatusInactive Status = "inactive"
	StatusActive   Status = "active"
	StatusWarning  Status = "warning"
	StatusExpired  Status = "expired"
	StatusOffline  Status = "offline"
)

// AllStatuses is used to reset the status gauge.
var AllStatuses = []string{
	string(StatusInactive), string(StatusActive), string(StatusWarning),
	string(StatusExpired), string(StatusOffline),
}

// Record is the tracked server session. ExpiresAt only moves forward.
type Record struct {
	ID                string
	UserID            string
	CreatedAt         time.Time
	LastActivity      time.Time
	ExpiresAt         time.Time
	DeviceFingerprint string
	Status            Status
}

// stored is the persisted shape; times are unix ms.
type stored struct {
	ID                string `json:"id"`
	UserID            string `json:"userId"`
	CreatedAt         int64  `json:"createdAt"`
	LastActivity      int64  `json:"lastActivity"`
	ExpiresAt         int64  `json:"expiresAt"`
	DeviceFingerprint string `json:"deviceFingerprint"`
	Status            Status `json:"status"`
}

func (r Record) toStored() stored {
	return stored{
		ID:                r.ID,
		UserID:            r.UserID,
		CreatedAt:         clock.UnixMilli(r.CreatedAt),
		LastActivity:      clock.UnixMilli(r.LastActivity),
		ExpiresAt:         clock.UnixMilli(r.ExpiresAt),
		DeviceFingerprint: r.DeviceFingerprint,
		Status:            r.Status,
	}
}

func (s stored) record() Record {
	return Record{
		ID:                s.ID,
		UserID:            s.UserID,
		CreatedAt:         clock.FromUnixMilli(s.CreatedAt),
		LastActivity:      clock.FromUnixMilli(s.LastActivity),
		ExpiresAt:         clock.FromUnixMilli(s.ExpiresAt),
		DeviceFingerprint: s.DeviceFingerprint,
		Status:            s.Status,
	}
}
