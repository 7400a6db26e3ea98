package chain

import (
	"errors"
	"fmt"
	"strings"
)

// RevertError 表示交易在预执行或上链后回滚
// 这类错误针对单个目标：丢弃该目标本周期的动作，不进入传输层重试
type RevertError struct {
	Op    string // 触发回滚的操作名
	Cause error
}

func (e *RevertError) Error() string {
	return fmt.Sprintf("交易模拟回滚: %s: %v", e.Op, e.Cause)
}

func (e *RevertError) Unwrap() error {
	return e.Cause
}

// IsRevert 判断错误是否属于回滚类
func IsRevert(err error) bool {
	var re *RevertError
	return errors.As(err, &re)
}

// revertMessages 节点返回的回滚类错误片段
// 不同客户端措辞不同，按子串匹配
var revertMessages = []string{
	"execution reverted",
	"always failing transaction",
	"gas required exceeds allowance",
	"invalid opcode",
	"revert",
}

// classifyCallError 区分预执行错误：回滚归 RevertError，其余视为传输错误
func classifyCallError(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	for _, fragment := range revertMessages {
		if strings.Contains(msg, fragment) {
			return &RevertError{Op: op, Cause: err}
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
