package sidechannel

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNoReply marks a structurally valid payload with nothing to send.
var ErrNoReply = errors.New("confirmation payload has no reply_message")

// Command is a downstream-issued instruction to post a reply into the target
// chat. OriginalWID, when present, is the message id to quote. ChatID is
// informational only: replies always go to the resolved target chat.
type Command struct {
	ChatID       string `json:"chat_id"`
	OriginalWID  string `json:"original_wid"`
	ReplyMessage string `json:"reply_message"`
}

// Decode parses a raw side-channel payload. Malformed JSON and payloads
// without a reply_message are both rejected; callers log and drop.
func Decode(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, fmt.Errorf("malformed confirmation payload: %w", err)
	}
	if cmd.ReplyMessage == "" {
		return Command{}, ErrNoReply
	}
	return cmd, nil
}
