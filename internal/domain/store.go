package domain

import "context"

// ChatStore is the durable local chat cache. Lookups that miss return
// (nil, nil); an empty cache is never an error.
type ChatStore interface {
	LoadAll(ctx context.Context) (map[string]*Conversation, error)
	LoadConversation(ctx context.Context, id string) (*Conversation, error)

	// AppendMessage upserts the conversation if absent, appends the message,
	// refreshes LastMessageText, then pushes any attached local image to the
	// backend. The message is persisted even when the upload fails.
	AppendMessage(ctx context.Context, convID, participantName string, msg Message, role Role) (Message, error)

	// UpdateMessageImageURI is the single permitted message mutation, applied
	// once an async image download resolves.
	UpdateMessageImageURI(ctx context.Context, convID, msgID, localURI string) error

	// ReplaceConversation overwrites one conversation and its message list,
	// used when seeding from backend history.
	ReplaceConversation(ctx context.Context, conv Conversation) error

	Clear(ctx context.Context) error
	Close() error
}

// ImageUploader pushes an outgoing message's attached image to the backend.
// The cache calls it after persisting an appended message.
type ImageUploader interface {
	UploadIfPresent(ctx context.Context, msg Message, convID string, role Role) error
}
