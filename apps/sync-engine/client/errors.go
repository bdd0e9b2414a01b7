package client

import (
	"errors"
	"fmt"
)

// NetworkError 网络层失败，整批请求未送达，可重试
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("网络请求失败 %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ServerError 服务端明确拒绝，携带HTTP状态码
type ServerError struct {
	Op     string
	Status int
	Body   string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("服务端错误 %s: status=%d body=%s", e.Op, e.Status, e.Body)
}

// IsRetryable 判断错误是否值得重试
// 网络错误和5xx可重试，4xx是请求本身的问题
func IsRetryable(err error) bool {
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return true
	}
	var srvErr *ServerError
	if errors.As(err, &srvErr) {
		return srvErr.Status >= 500
	}
	return false
}
