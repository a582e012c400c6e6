package instance

import (
	"context"
	"errors"

	"github.com/we-make-money/midjourney-proxy/internal/discord"
	"github.com/we-make-money/midjourney-proxy/internal/domain"
)

// rejectionError marks an upstream refusal. Its text is the upstream
// description verbatim so the recorded failReason matches what the
// upstream said.
type rejectionError struct {
	description string
}

func (e *rejectionError) Error() string { return e.description }

// checkAccepted converts an upstream acceptance answer into the thunk's
// error contract.
func checkAccepted(msg *discord.Message, err error) error {
	if err != nil {
		return err
	}
	if msg.Code != discord.CodeSuccess {
		return &rejectionError{description: msg.Description}
	}
	return nil
}

// thunkFailReason separates the two failure classes: upstream refusals
// keep their description, everything else is recorded as an internal
// fault.
func thunkFailReason(err error) string {
	var rej *rejectionError
	if errors.As(err, &rej) {
		return rej.description
	}
	return "[Internal Server Error] " + err.Error()
}

// SubmitImagine queues a text-to-image generation.
func (i *Instance) SubmitImagine(task *domain.Task) *domain.SubmitResult {
	return i.Submit(task, func(ctx context.Context) error {
		return checkAccepted(i.client.Imagine(ctx, task.Prompt(), task.Nonce()))
	})
}

// SubmitUpscale queues an upscale of one image out of a finished grid.
func (i *Instance) SubmitUpscale(task *domain.Task, messageID string, index int, messageHash string, flags int) *domain.SubmitResult {
	return i.Submit(task, func(ctx context.Context) error {
		return checkAccepted(i.client.Upscale(ctx, messageID, index, messageHash, flags, task.Nonce()))
	})
}

// SubmitVariation queues a variation of one image out of a finished grid.
func (i *Instance) SubmitVariation(task *domain.Task, messageID string, index int, messageHash string, flags int) *domain.SubmitResult {
	return i.Submit(task, func(ctx context.Context) error {
		return checkAccepted(i.client.Variation(ctx, messageID, index, messageHash, flags, task.Nonce()))
	})
}

// SubmitReroll queues a re-generation of a finished grid.
func (i *Instance) SubmitReroll(task *domain.Task, messageID, messageHash string, flags int) *domain.SubmitResult {
	return i.Submit(task, func(ctx context.Context) error {
		return checkAccepted(i.client.Reroll(ctx, messageID, messageHash, flags, task.Nonce()))
	})
}

// SubmitAction queues an arbitrary component interaction on a finished
// message.
func (i *Instance) SubmitAction(task *domain.Task, messageID, customID string, flags int) *domain.SubmitResult {
	return i.Submit(task, func(ctx context.Context) error {
		return checkAccepted(i.client.Action(ctx, messageID, customID, flags, task.Nonce()))
	})
}

// SubmitDescribe uploads the image and queues a describe of it.
func (i *Instance) SubmitDescribe(task *domain.Task, fileName, dataURL string) *domain.SubmitResult {
	return i.Submit(task, func(ctx context.Context) error {
		msg, err := i.client.Upload(ctx, fileName, dataURL)
		if err := checkAccepted(msg, err); err != nil {
			return err
		}
		return checkAccepted(i.client.Describe(ctx, msg.Result, task.Nonce()))
	})
}

// Upload pushes an image to the account's channel and returns the final
// file name assigned by the upstream.
func (i *Instance) Upload(ctx context.Context, fileName, dataURL string) (*discord.Message, error) {
	return i.client.Upload(ctx, fileName, dataURL)
}

// SendImageMessage posts an uploaded image as a plain channel message,
// used to obtain a stable URL for link-based prompts.
func (i *Instance) SendImageMessage(ctx context.Context, content, finalFileName string) (*discord.Message, error) {
	return i.client.SendImageMessage(ctx, content, finalFileName)
}

// SubmitBlend uploads every source image and queues a blend across them.
func (i *Instance) SubmitBlend(task *domain.Task, fileNames, dataURLs []string, dimensions discord.BlendDimensions) *domain.SubmitResult {
	return i.Submit(task, func(ctx context.Context) error {
		finalNames := make([]string, 0, len(dataURLs))
		for n, dataURL := range dataURLs {
			msg, err := i.client.Upload(ctx, fileNames[n], dataURL)
			if err := checkAccepted(msg, err); err != nil {
				return err
			}
			finalNames = append(finalNames, msg.Result)
		}
		return checkAccepted(i.client.Blend(ctx, finalNames, dimensions, task.Nonce()))
	})
}
