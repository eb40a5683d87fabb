package ingestion

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// MaxFileSize はアップロード可能な最大サイズ（50MB）
const MaxFileSize = 50 * 1024 * 1024

var (
	// ErrUnsupportedFileType は取り込めないファイル形式のエラー
	ErrUnsupportedFileType = errors.New("unsupported file type")
	// ErrEmptyContent は内容が空の場合のエラー
	ErrEmptyContent = errors.New("file is empty")
	// ErrFileTooLarge はサイズ上限を超えた場合のエラー
	ErrFileTooLarge = errors.New("file too large")
)

// 取り込み可能な MIME タイプと拡張子
var allowedTypes = map[string]string{
	"text/plain":       ".txt",
	"text/markdown":    ".md",
	"text/csv":         ".csv",
	"application/json": ".json",
}

// DetectFileType は MIME タイプを正規化し、空なら拡張子から推定する
func DetectFileType(filename, fileType string) (string, error) {
	if fileType != "" {
		mediaType, _, _ := strings.Cut(fileType, ";")
		mediaType = strings.ToLower(strings.TrimSpace(mediaType))
		if _, ok := allowedTypes[mediaType]; ok {
			return mediaType, nil
		}
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFileType, fileType)
	}

	ext := strings.ToLower(filepath.Ext(filename))
	for mediaType, e := range allowedTypes {
		if e == ext {
			return mediaType, nil
		}
	}
	if ext == ".markdown" {
		return "text/markdown", nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedFileType, filename)
}

// ExtractText はファイル内容からプレーンテキストを取り出す
// JSON はインデント付きで整形し直す
func ExtractText(content []byte, fileType string) (string, error) {
	if !utf8.Valid(content) {
		return "", fmt.Errorf("content is not valid UTF-8")
	}

	if fileType == "application/json" {
		var buf bytes.Buffer
		if err := json.Indent(&buf, content, "", "  "); err != nil {
			return "", fmt.Errorf("failed to parse JSON document: %w", err)
		}
		return buf.String(), nil
	}

	return string(content), nil
}
