package event

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

const (
	KindCallStarted     = "call_started"
	KindScreenRequest   = "screen_request"
	KindCallEnded       = "call_ended"
	KindCallTransferred = "call_transferred"
)

type InboundEvent struct {
	EventID    string    `gorm:"column:event_id;type:varchar(128);primaryKey;not null"`
	CallID     string    `gorm:"column:call_id;type:varchar(255);index;not null"`
	Kind       string    `gorm:"column:kind;type:varchar(32);not null"`
	ReceivedAt time.Time `gorm:"column:received_at;autoCreateTime"`
}

func (InboundEvent) TableName() string {
	return "inbound_events"
}

// DeriveID builds a stable identifier for providers that do not assign one,
// so redelivered notifications hash to the same event.
func DeriveID(kind string, parts ...string) string {
	digest := sha256.Sum256([]byte(kind + "|" + strings.Join(parts, "|")))

	return hex.EncodeToString(digest[:])
}
