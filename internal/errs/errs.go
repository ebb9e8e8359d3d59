package errs

import "errors"

var (
	ErrViewNotFound     = errors.New("signin: view not found or expired")
	ErrDSNNotConfigured = errors.New("mysql: DSN not configured (set BYTEMASON_MYSQL_DSN)")
	ErrUnknownProvider  = errors.New("auth: unknown or disabled provider")
)
