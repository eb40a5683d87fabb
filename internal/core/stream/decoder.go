package stream

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Decoder はワイヤ形式のイベント列を逐次解析する
type Decoder struct {
	r    *bufio.Reader
	done bool
	eof  bool
}

// NewDecoder は新しい Decoder を作成する
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next は次のイベントを返す
// 終端マーカーの後、または入力の終わりでは io.EOF を返す。
// 改行で終わらない末尾の行も最後のイベントとして解析する。
func (d *Decoder) Next() (Event, error) {
	for {
		if d.done || d.eof {
			return Event{}, io.EOF
		}

		line, err := d.r.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return Event{}, fmt.Errorf("failed to read stream: %w", err)
			}
			d.eof = true
		}

		payload, ok := framePayload(line)
		if !ok {
			continue
		}

		if payload == DoneSentinel {
			d.done = true
			return Done(), nil
		}

		var event Event
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			if !errors.Is(err, ErrMalformedEvent) {
				err = fmt.Errorf("%w: %w", ErrMalformedEvent, err)
			}
			return Event{}, err
		}
		return event, nil
	}
}

// Done は終端マーカーを受信済みかを返す
func (d *Decoder) Done() bool {
	return d.done
}

// DecodeAll は入力の終わりまで全イベントを読み込む
func DecodeAll(r io.Reader) ([]Event, error) {
	dec := NewDecoder(r)
	var events []Event
	for {
		event, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, event)
	}
}

// framePayload は1行からイベントのペイロードを取り出す
// 空行、SSE のコメント行や event/id 行は無視する
func framePayload(line string) (string, bool) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return "", false
	}
	if strings.HasPrefix(line, ":") ||
		strings.HasPrefix(line, "event:") ||
		strings.HasPrefix(line, "id:") ||
		strings.HasPrefix(line, "retry:") {
		return "", false
	}
	if rest, ok := strings.CutPrefix(line, "data:"); ok {
		return strings.TrimPrefix(rest, " "), true
	}
	return line, true
}
