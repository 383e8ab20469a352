package services

import (
	"errors"
	"fmt"
)

var (
	ErrValidation       = errors.New("invalid request")
	ErrCapacityExceeded = errors.New("group capacity exceeded")
	ErrGroupNotFound    = errors.New("group not found")
	// ErrTransient 存储或消息代理调用失败，调用方可在下个周期重试
	ErrTransient = errors.New("transient store failure")
)

func validation(msg string) error {
	return fmt.Errorf("%w: %s", ErrValidation, msg)
}

func transient(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrTransient, op, err)
}

// CapacityMessage 返回给用户的容量提示
func CapacityMessage(max int) string {
	return fmt.Sprintf("Global maximum of %d active groups reached. Please join an existing group.", max)
}
