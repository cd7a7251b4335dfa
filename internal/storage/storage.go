// Package storage はアップロード画像と生成レポートのオブジェクトストレージを提供する。
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrNotFound はオブジェクトが存在しない場合のエラー。
var ErrNotFound = errors.New("object not found")

// ObjectStore はキー単位でバイナリを保存するストレージのインターフェース。
type ObjectStore interface {
	// Put はオブジェクトを保存する。同じキーが存在する場合は上書きする。
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// Get はオブジェクトを取得する。存在しない場合はErrNotFoundを返す。
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete はオブジェクトを削除する。存在しない場合もエラーにしない。
	Delete(ctx context.Context, key string) error
}

// validateKey はキーが "dir/file" 形式の相対パスであることを検証する。
func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("empty object key")
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "\\") || path.Clean(key) != key {
		return fmt.Errorf("invalid object key: %q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." || part == "." {
			return fmt.Errorf("invalid object key: %q", key)
		}
	}
	return nil
}
