package domain

import "errors"

var (
	ErrUnauthenticated      = errors.New("unauthenticated")
	ErrHistoryFetchFailed   = errors.New("history fetch failed")
	ErrChannelConnectFailed = errors.New("channel connect failed")
	ErrNotSubscribed        = errors.New("channel not subscribed")
	ErrClosed               = errors.New("channel closed")
	ErrNotConnected         = errors.New("session not connected")
	ErrSendFailed           = errors.New("send failed")
	ErrProfileLookupFailed  = errors.New("profile lookup failed")

	ErrEmptyMessage    = errors.New("empty message")
	ErrMessageTooLong  = errors.New("message too long")
	ErrProfileNotFound = errors.New("profile not found")
)
