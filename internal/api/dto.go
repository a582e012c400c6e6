package api

// ImagineRequest is the JSON body for POST /mj/submit/imagine.
type ImagineRequest struct {
	Prompt string `json:"prompt" validate:"required"`
}

// ChangeRequest is the JSON body for POST /mj/submit/change. Index is the
// grid position for UPSCALE and VARIATION and ignored for REROLL.
type ChangeRequest struct {
	TaskID string `json:"taskId" validate:"required"`
	Action string `json:"action" validate:"required,oneof=UPSCALE VARIATION REROLL"`
	Index  int    `json:"index" validate:"omitempty,min=1,max=4"`
}

// ActionRequest is the JSON body for POST /mj/submit/action.
type ActionRequest struct {
	TaskID   string `json:"taskId" validate:"required"`
	CustomID string `json:"customId" validate:"required"`
}

// DescribeRequest is the JSON body for POST /mj/submit/describe. Base64 is
// a data URL of the image to describe.
type DescribeRequest struct {
	Base64 string `json:"base64" validate:"required"`
}

// BlendRequest is the JSON body for POST /mj/submit/blend.
type BlendRequest struct {
	Base64Array []string `json:"base64Array" validate:"required,min=2,max=5,dive,required"`
	Dimensions  string   `json:"dimensions" validate:"omitempty,oneof=PORTRAIT SQUARE LANDSCAPE"`
}

// AccountView is one entry of GET /mj/account/list.
type AccountView struct {
	ID           string `json:"id"`
	Enabled      bool   `json:"enabled"`
	CoreSize     int    `json:"coreSize"`
	Weight       int    `json:"weight"`
	QueueLength  int    `json:"queueLength"`
	RunningCount int    `json:"runningCount"`
}
