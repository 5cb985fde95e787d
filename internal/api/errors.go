package api

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized 刷新令牌后重试仍然返回 401
	ErrUnauthorized = errors.New("safevest api: unauthorized")
	// ErrNotAuthenticated 无法取得访问令牌
	ErrNotAuthenticated = errors.New("safevest api: not authenticated")
	// ErrMissingReadingID 创建读数的响应里没有 id
	ErrMissingReadingID = errors.New("safevest api: response carries no reading id")
)

// StatusError 非 2xx 响应
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status=%d body=%s", e.Method, e.Path, e.StatusCode, e.Body)
}
