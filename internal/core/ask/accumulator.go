package ask

import (
	"strings"

	"github.com/jinford/doc-rag/internal/core/agent"
	"github.com/jinford/doc-rag/internal/core/stream"
)

// responseAccumulator はリクエスト中のイベントを集約して下流に流す
// リクエストのゴルーチンだけが所有し、finalize で一度だけ確定する
type responseAccumulator struct {
	sink      stream.Sink
	content   strings.Builder
	sources   []stream.Source
	images    []stream.Image
	seenImage map[string]struct{}
	toolCalls []stream.ToolCall
	errMsg    string
	finalized bool
}

func newResponseAccumulator(sink stream.Sink) *responseAccumulator {
	return &responseAccumulator{
		sink:      sink,
		seenImage: make(map[string]struct{}),
	}
}

// Emit はイベントを記録してから下流に流す
func (a *responseAccumulator) Emit(event stream.Event) error {
	if a.finalized {
		return stream.ErrStreamClosed
	}

	switch event.Type {
	case stream.EventContent:
		a.content.WriteString(event.Content)
	case stream.EventSources:
		a.mergeSources(event.Sources)
	case stream.EventImages:
		for _, img := range event.Images {
			if _, ok := a.seenImage[img.URL]; ok {
				continue
			}
			a.seenImage[img.URL] = struct{}{}
			a.images = append(a.images, img)
		}
	case stream.EventToolCall:
		a.toolCalls = append(a.toolCalls, *event.ToolCall)
	case stream.EventError:
		a.errMsg = event.Error
	}

	return a.sink.Emit(event)
}

// mergeSources はファイル名で重複を除き、高い方の類似度を残す
func (a *responseAccumulator) mergeSources(sources []stream.Source) {
	for _, s := range sources {
		merged := false
		for i := range a.sources {
			if a.sources[i].Filename == s.Filename {
				a.sources[i].Similarity = max(a.sources[i].Similarity, s.Similarity)
				merged = true
				break
			}
		}
		if !merged {
			a.sources = append(a.sources, s)
		}
	}
}

// finalize は集約結果を確定した Response を返す
// 以降の Emit は ErrStreamClosed になる
func (a *responseAccumulator) finalize(result *agent.RunResult) *Response {
	a.finalized = true

	resp := &Response{
		Content:   a.content.String(),
		Sources:   append([]stream.Source(nil), a.sources...),
		Images:    append([]stream.Image(nil), a.images...),
		ToolCalls: append([]stream.ToolCall(nil), a.toolCalls...),
		Error:     a.errMsg,
	}
	if result != nil {
		resp.Rounds = result.Rounds
		resp.Forced = result.Forced
	}
	return resp
}
