package models

import (
	"gorm.io/gorm"

	"socialinbox/permissions"
)

// MessageDirection distinguishes messages received from a platform from
// replies sent by CRM users.
type MessageDirection string

const (
	DirectionIncoming MessageDirection = "incoming"
	DirectionOutgoing MessageDirection = "outgoing"
)

// Participant is one side of a conversation as reported by the platform.
type Participant struct {
	ID      string `gorm:"index" json:"id"`
	Name    string `json:"name,omitempty"`
	Surname string `json:"surname,omitempty"`
	Avatar  string `json:"avatar,omitempty"`
}

// SocialMessage is a single message in the unified inbox, incoming or
// outgoing, across all platforms. Conversations are keyed by ConversationID,
// which defaults to the external sender id when the platform has no thread
// concept of its own.
type SocialMessage struct {
	gorm.Model
	Platform    permissions.Platform `gorm:"type:varchar(16);not null;index" json:"platform"`
	Sender      Participant          `gorm:"embedded;embeddedPrefix:sender_" json:"sender"`
	Recipient   Participant          `gorm:"embedded;embeddedPrefix:recipient_" json:"recipient"`
	MessageText string               `gorm:"type:text" json:"message_text"`
	MessageID   string               `gorm:"index" json:"message_id"`
	Direction   MessageDirection     `gorm:"type:varchar(16);default:'incoming'" json:"direction"`
	Timestamp   int64                `json:"timestamp,omitempty"`
	Attachments JSONArray            `gorm:"type:jsonb" json:"attachments,omitempty"`
	RawPayload  JSONMap              `gorm:"type:jsonb" json:"-"`
	IsRead      bool                 `gorm:"default:false" json:"is_read"`

	ConversationID string `gorm:"index" json:"conversation_id"`

	// Audit trail for outgoing messages: which CRM user answered.
	SentByID    string `json:"sent_by_id,omitempty"`
	SentByName  string `json:"sent_by_name,omitempty"`
	SentByEmail string `json:"sent_by_email,omitempty"`
}
