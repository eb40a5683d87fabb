package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// DoneSentinel は終端マーカーのペイロード
const DoneSentinel = "[DONE]"

const dataPrefix = "data: "

// ErrStreamClosed は終端後に書き込もうとした場合のエラー
var ErrStreamClosed = errors.New("stream already closed")

// Sink はイベントの送り先
type Sink interface {
	Emit(event Event) error
}

// SinkFunc は関数を Sink として扱うアダプタ
type SinkFunc func(event Event) error

// Emit は f(event) を呼ぶ
func (f SinkFunc) Emit(event Event) error {
	return f(event)
}

// Encoder はイベントを1行1イベントのワイヤ形式に直列化する
//
// 形式は SSE 互換で、各イベントは "data: <json>" の1行と空行で区切られる。
// 終端マーカーは Close で一度だけ書き込まれる。
type Encoder struct {
	mu     sync.Mutex
	w      io.Writer
	closed bool
	count  int
}

// NewEncoder は新しい Encoder を作成する
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Emit はイベントを1件書き込みフラッシュする
// Done イベントは Close と同じ扱い
func (e *Encoder) Emit(event Event) error {
	if event.IsTerminal() {
		return e.Close()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", event.Type, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrStreamClosed
	}
	return e.writeFrame(payload)
}

// Close は終端マーカーを書き込む。2回目以降は何もしない
func (e *Encoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	return e.writeFrame([]byte(DoneSentinel))
}

// Closed は終端マーカーを書き込み済みかを返す
func (e *Encoder) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Count は書き込んだフレーム数（終端を含む）を返す
func (e *Encoder) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.count
}

func (e *Encoder) writeFrame(payload []byte) error {
	frame := make([]byte, 0, len(dataPrefix)+len(payload)+2)
	frame = append(frame, dataPrefix...)
	frame = append(frame, payload...)
	frame = append(frame, '\n', '\n')

	if _, err := e.w.Write(frame); err != nil {
		return fmt.Errorf("failed to write stream frame: %w", err)
	}
	e.count++

	switch f := e.w.(type) {
	case interface{ Flush() error }:
		if err := f.Flush(); err != nil {
			return fmt.Errorf("failed to flush stream: %w", err)
		}
	case interface{ Flush() }:
		f.Flush()
	}
	return nil
}

// Recorder はイベントをメモリに蓄積する Sink
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit はイベントを記録する
func (r *Recorder) Emit(event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events は記録済みイベントのコピーを返す
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}
