package conversation

import "errors"

var (
	ErrAuthenticationRequired = errors.New("authentication required")
	ErrValidation             = errors.New("validation failed")
	ErrSendFailed             = errors.New("failed to send message")
	ErrUploadFailed           = errors.New("failed to upload attachment")
	ErrLoadFailed             = errors.New("could not load conversation")
	ErrClosed                 = errors.New("conversation is closed")
)
