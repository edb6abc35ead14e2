package storage

import "errors"

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrConversationExists   = errors.New("conversation already exists")
	ErrInvalidData          = errors.New("invalid data")
	ErrStorageInit          = errors.New("storage initialization failed")
	ErrFileOperation        = errors.New("file operation failed")
	ErrDatabase             = errors.New("database operation failed")
)
