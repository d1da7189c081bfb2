package transport

import "context"

// ChatTarget identifies a destination chat, optionally inside a forum topic
// thread (0 means no thread).
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Sender is the outbound delivery capability used by the notifier and the
// logging chat sink. Implementations must be safe for concurrent use.
//
// Delivery failures are returned to the caller; they are never fatal to the
// process.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	Stop(ctx context.Context) error
}
