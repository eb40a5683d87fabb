package search

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/samber/mo"
)

// ErrMalformedRerank はリランク結果が候補と対応しない場合のエラー
var ErrMalformedRerank = errors.New("malformed rerank response")

// RerankResult はクロスエンコーダが返す1件のスコア
type RerankResult struct {
	Index int
	Score float64
}

// Reranker はクロスエンコーダによる再スコアリングのインターフェース
type Reranker interface {
	// Rerank は documents を query との関連度で採点する
	// Index は documents 内の位置を指す
	Rerank(ctx context.Context, query string, documents []string, topN int) ([]RerankResult, error)
}

// rerankCandidates は先頭 topN 件をリランクして並べ替えた新しいスライスを返す
//
// 候補は決して削除しない。プロバイダが採点しなかった候補は採点済みの候補の後ろに
// 元の順序で続く。エラー時は nil を返し、呼び出し側で融合順にフォールバックする。
func rerankCandidates(ctx context.Context, reranker Reranker, query string, candidates []Candidate, topN int) ([]Candidate, error) {
	if len(candidates) == 0 {
		return candidates, nil
	}

	window := len(candidates)
	if topN > 0 && topN < window {
		window = topN
	}

	documents := make([]string, window)
	for i := 0; i < window; i++ {
		documents[i] = candidates[i].Chunk.Content
	}

	results, err := reranker.Rerank(ctx, query, documents, window)
	if err != nil {
		return nil, err
	}

	seen := make(map[int]bool, len(results))
	for _, r := range results {
		if r.Index < 0 || r.Index >= window {
			return nil, fmt.Errorf("%w: index %d out of range", ErrMalformedRerank, r.Index)
		}
		if seen[r.Index] {
			return nil, fmt.Errorf("%w: duplicate index %d", ErrMalformedRerank, r.Index)
		}
		seen[r.Index] = true
	}

	scored := make([]RerankResult, len(results))
	copy(scored, results)
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})

	reordered := make([]Candidate, 0, len(candidates))
	for _, r := range scored {
		c := candidates[r.Index]
		c.RerankScore = mo.Some(r.Score)
		reordered = append(reordered, c)
	}
	for i := 0; i < window; i++ {
		if !seen[i] {
			reordered = append(reordered, candidates[i])
		}
	}
	reordered = append(reordered, candidates[window:]...)

	return reordered, nil
}
