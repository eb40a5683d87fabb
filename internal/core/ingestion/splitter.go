package ingestion

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	// DefaultChunkSize はチャンクの最大文字数
	DefaultChunkSize = 1000
	// DefaultChunkOverlap は隣接チャンク間で重ねる文字数
	DefaultChunkOverlap = 200
)

// DefaultSeparators は優先順の区切り文字（段落、行、文、単語、文字）
var DefaultSeparators = []string{"\n\n", "\n", ". ", " ", ""}

// Splitter は再帰的な文字分割でテキストをチャンクにする
// 長さはすべてルーン数で数える
type Splitter struct {
	size       int
	overlap    int
	separators []string
}

// NewSplitter は新しい Splitter を作成する
func NewSplitter(size, overlap int) (*Splitter, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive: %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("chunk overlap must be in [0, %d): %d", size, overlap)
	}
	return &Splitter{
		size:       size,
		overlap:    overlap,
		separators: DefaultSeparators,
	}, nil
}

// DefaultSplitter はデフォルト設定の Splitter を返す
func DefaultSplitter() *Splitter {
	s, _ := NewSplitter(DefaultChunkSize, DefaultChunkOverlap)
	return s
}

// Split はテキストを分割する。空白のみのチャンクは含めない
func (s *Splitter) Split(text string) []string {
	return s.split(text, s.separators)
}

func (s *Splitter) split(text string, separators []string) []string {
	if utf8.RuneCountInString(text) <= s.size {
		if t := strings.TrimSpace(text); t != "" {
			return []string{t}
		}
		return nil
	}

	// 1. テキストに含まれる最初の区切り文字を選ぶ
	sepIndex := len(separators) - 1
	for i, sep := range separators {
		if strings.Contains(text, sep) {
			sepIndex = i
			break
		}
	}
	separator := separators[sepIndex]

	var splits []string
	if separator == "" {
		splits = strings.Split(text, "")
	} else {
		splits = strings.Split(text, separator)
	}

	// 2. 上限を超えない範囲で断片を詰める
	var chunks []string
	var current strings.Builder
	currentLen := 0

	flush := func() {
		if c := strings.TrimSpace(strings.TrimRight(current.String(), separator)); c != "" {
			chunks = append(chunks, c)
		}
	}

	for _, sp := range splits {
		piece := sp + separator
		pieceLen := utf8.RuneCountInString(piece)

		if currentLen+pieceLen > s.size && currentLen > 0 {
			flush()

			// 末尾を重ねて次のチャンクを始める
			tail := ""
			if s.overlap > 0 && currentLen > s.overlap {
				tail = lastRunes(current.String(), s.overlap)
			}
			current.Reset()
			current.WriteString(tail)
			currentLen = utf8.RuneCountInString(tail)
		}

		current.WriteString(piece)
		currentLen += pieceLen
	}
	if currentLen > 0 {
		flush()
	}

	// 3. まだ長いチャンクは次の区切り文字で分割する
	remaining := separators[sepIndex+1:]
	if len(remaining) == 0 {
		return chunks
	}

	final := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if utf8.RuneCountInString(c) > s.size {
			final = append(final, s.split(c, remaining)...)
		} else {
			final = append(final, c)
		}
	}
	return final
}

func lastRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[len(runes)-n:])
}
