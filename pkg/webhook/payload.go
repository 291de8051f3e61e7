package webhook

import "github.com/harun/tenantlink/pkg/network"

// Payload is the JSON body POSTed to a tenant's webhook.
type Payload struct {
	From       string `json:"from"`
	To         string `json:"to"`
	Body       string `json:"body"`
	Type       string `json:"type"`
	Timestamp  int64  `json:"timestamp"`
	SenderName string `json:"senderName"`
	HasMedia   bool   `json:"hasMedia"`
	IsGroup    bool   `json:"isGroup"`
	MessageID  string `json:"messageId"`
	FromMe     bool   `json:"fromMe"`
}

// NewPayload builds the delivery payload for msg.
func NewPayload(msg network.Message) Payload {
	return Payload{
		From:       msg.From,
		To:         msg.To,
		Body:       msg.Body,
		Type:       msg.Type,
		Timestamp:  msg.Timestamp,
		SenderName: msg.SenderName,
		HasMedia:   msg.HasMedia,
		IsGroup:    msg.IsGroup(),
		MessageID:  msg.ID,
		FromMe:     msg.FromMe,
	}
}
