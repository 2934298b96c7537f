package lib

import "errors"

var (
	ErrFolderNotFound  = errors.New("folder not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrBodyNotFound    = errors.New("message body not found")
	ErrStatusNotFound  = errors.New("mailbox status not found")
	ErrNotSelected     = errors.New("mailbox not selected")
	ErrConnectionLost  = errors.New("connection lost")
	ErrAuthFailed      = errors.New("authentication failure")
	ErrAccountNotFound = errors.New("account not found")
)
