package consts

import "errors"

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrAuthFailed      = errors.New("invalid username or password")
	ErrMailboxNotFound = errors.New("mailbox not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrInvalidAddress  = errors.New("invalid address")
	ErrDuplicateUser   = errors.New("user already exists")

	ErrStoreClosed        = errors.New("mail store closed")
	ErrTooManyConnections = errors.New("too many connections")

	ErrDBBeginTransactionFailed  = errors.New("start transaction failed")
	ErrDBCommitTransactionFailed = errors.New("commit failed")
	ErrDBInsertFailed            = errors.New("insert failed")
)
