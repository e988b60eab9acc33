package eventlog

import "strconv"

// RelayRecord is the normalized unit appended to the expense stream. All
// values go over the wire as strings; the field names match what the
// downstream workers consume (wid is their idempotency key).
type RelayRecord struct {
	MessageID  string
	ChatID     string
	ChatName   string
	SenderID   string
	SenderName string
	Timestamp  int64 // unix seconds
	Type       string
	Body       string
}

// Fields returns the flat string map used as XADD values.
func (r RelayRecord) Fields() map[string]string {
	return map[string]string{
		"wid":         r.MessageID,
		"chat_id":     r.ChatID,
		"chat_name":   r.ChatName,
		"sender_id":   r.SenderID,
		"sender_name": r.SenderName,
		"timestamp":   strconv.FormatInt(r.Timestamp, 10),
		"type":        r.Type,
		"body":        r.Body,
	}
}
