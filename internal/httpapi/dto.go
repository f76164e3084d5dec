package httpapi

import (
	"fmt"
	"strings"

	"github.com/ambk/pinokio/internal/producer"
)

// IncomingFromMS is the Message Service event payload. Field names keep
// the MS table__column convention. Media and classification hints are
// accepted but unused by the pipeline.
type IncomingFromMS struct {
	MessagesID      string  `json:"messages__id"`
	ParentMessageID *string `json:"messages__parent_message_id"`
	MediaType       *string `json:"messages__media_type"`
	UserID          string  `json:"messages__user_id"`
	Username        *string `json:"messages__username"`
	MediaID         *string `json:"messages__media_id"`
	MediaFilename   *string `json:"messages__media_filename"`
	Date            string  `json:"messages__date"`
	GroupID         *string `json:"messages__group_id"`
	Text            *string `json:"text_histories__text"`
	TextHistoriesID string  `json:"text_histories__id"`
	Status          *string `json:"messages__status"`
	ChangeID        *string `json:"text_histories__change_id"`
	CustomEmojiID   *string `json:"entities__custom_emoji_id"`
	ChatID          string  `json:"messages__chat_id"`
	ThreadID        *string `json:"thread_id"`
	ClientType      *string `json:"chats__client_type"`
	ClientID        *string `json:"chats__client_id"`
	InHouse         *bool   `json:"users__in_house"`
	IsBot           *bool   `json:"users__is_bot"`
}

// Validate checks the fields MS always sends.
func (r *IncomingFromMS) Validate() error {
	var missing []string
	if r.MessagesID == "" {
		missing = append(missing, "messages__id")
	}
	if r.UserID == "" {
		missing = append(missing, "messages__user_id")
	}
	if r.Date == "" {
		missing = append(missing, "messages__date")
	}
	if r.TextHistoriesID == "" {
		missing = append(missing, "text_histories__id")
	}
	if r.ChatID == "" {
		missing = append(missing, "messages__chat_id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

// ToMessage maps the wire payload onto the pipeline event. Absent
// username and text collapse to their pipeline defaults.
func (r *IncomingFromMS) ToMessage() producer.IncomingMessage {
	msg := producer.IncomingMessage{
		MessagesID:      r.MessagesID,
		ChatID:          r.ChatID,
		UserID:          r.UserID,
		Date:            r.Date,
		ParentMessageID: r.ParentMessageID,
		ChangeID:        r.ChangeID,
	}
	if r.Username != nil {
		msg.Username = *r.Username
	}
	if r.Text != nil {
		msg.Text = *r.Text
	}
	return msg
}
