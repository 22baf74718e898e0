package connmgr

import (
	"encoding/json"

	"agrichat/internal/domain"
)

// Wire protocol: JSON text frames. Outbound frames are either a chat message
// or a keep-alive ping. Inbound frames come in two shapes, a single message
// object or a {"messages":[...]} history replay; decodeInbound normalizes
// both into a []domain.Message once, at the protocol boundary.

const (
	frameChat = "chat"
	framePing = "ping"
)

type chatFrame struct {
	Type    string         `json:"type"`
	Message domain.Message `json:"message"`
}

type pingFrame struct {
	Type string `json:"type"`
}

func decodeInbound(data []byte) ([]domain.Message, error) {
	var batch struct {
		Messages []domain.Message `json:"messages"`
	}
	if err := json.Unmarshal(data, &batch); err == nil && batch.Messages != nil {
		return batch.Messages, nil
	}

	var single domain.Message
	if err := json.Unmarshal(data, &single); err != nil {
		return nil, err
	}
	return []domain.Message{single}, nil
}
