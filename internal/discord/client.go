// Package discord defines the upstream protocol client the dispatcher
// consumes. The client asks the chat platform to accept a generation job;
// progress and completion arrive later as inbound events.
package discord

import "context"

// Upstream return codes shared with the submission API.
const (
	CodeSuccess      = 1
	CodeFailure      = 9
	CodeExisted      = 21
	CodeInQueue      = 22
	CodeQueueFull    = 23
	CodeBannedPrompt = 24
)

// Message is the upstream's synchronous answer to an operation.
// Code == CodeSuccess means the job was accepted; any other code is an
// immediate failure described by Description.
type Message struct {
	Code        int    `json:"code"`
	Description string `json:"description"`
	// Result carries operation output where one exists, e.g. the final
	// file name returned by Upload.
	Result string `json:"result,omitempty"`
}

// Success returns the accepted-message value.
func Success() *Message {
	return &Message{Code: CodeSuccess, Description: "success"}
}

// Failure returns a rejection message with the given description.
func Failure(code int, description string) *Message {
	return &Message{Code: code, Description: description}
}

// BlendDimensions selects the aspect ratio of a blend result.
type BlendDimensions string

const (
	BlendPortrait  BlendDimensions = "PORTRAIT"
	BlendSquare    BlendDimensions = "SQUARE"
	BlendLandscape BlendDimensions = "LANDSCAPE"
)

// Client is one authenticated connection to the upstream bot. All methods
// are synchronous acceptance calls; a non-nil error is an infrastructure
// failure, a Message with a non-success code is an upstream rejection.
type Client interface {
	Imagine(ctx context.Context, prompt, nonce string) (*Message, error)
	Upscale(ctx context.Context, messageID string, index int, messageHash string, flags int, nonce string) (*Message, error)
	Variation(ctx context.Context, messageID string, index int, messageHash string, flags int, nonce string) (*Message, error)
	Reroll(ctx context.Context, messageID, messageHash string, flags int, nonce string) (*Message, error)
	Action(ctx context.Context, messageID, customID string, flags int, nonce string) (*Message, error)
	Describe(ctx context.Context, finalFileName, nonce string) (*Message, error)
	Blend(ctx context.Context, finalFileNames []string, dimensions BlendDimensions, nonce string) (*Message, error)
	Upload(ctx context.Context, fileName, dataURL string) (*Message, error)
	SendImageMessage(ctx context.Context, content, finalFileName string) (*Message, error)
}
