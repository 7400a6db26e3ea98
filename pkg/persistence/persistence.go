// Package persistence 本地检查点存储
// 扫描游标这类需要跨进程重启保留的小状态，以 JSON 文件原子落盘
package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// ErrNotExists 检查点尚未写入过
var ErrNotExists = errors.New("检查点不存在")

// Store 单个检查点的读写句柄
type Store interface {
	Save(v interface{}) error
	Load(v interface{}) error
}

// Dir 一个目录下的一组 JSON 检查点
type Dir struct {
	base string
}

// NewDir 创建检查点目录句柄；目录在首次写入时创建
func NewDir(base string) *Dir {
	return &Dir{base: base}
}

// unsafeChars 文件名白名单之外的字符
var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// Store 返回 parts 标识的检查点，parts 拼接并安全化后作为文件名
func (d *Dir) Store(parts ...string) Store {
	name := unsafeChars.ReplaceAllString(strings.Join(parts, "-"), "_")
	return &fileStore{
		dir:  d.base,
		path: filepath.Join(d.base, name+".json"),
	}
}

type fileStore struct {
	dir  string
	path string
}

// Save 写临时文件后 rename，进程中断不会留下半截文件
func (s *fileStore) Save(v interface{}) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("创建检查点目录失败: %w", err)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("编码检查点失败: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Load 读出检查点；从未写过返回 ErrNotExists
func (s *fileStore) Load(v interface{}) error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotExists
		}
		return err
	}
	if len(b) == 0 {
		return ErrNotExists
	}
	return json.Unmarshal(b, v)
}
