package search

import (
	"math"
	"sort"

	"github.com/google/uuid"
	"github.com/samber/mo"
)

const (
	// DefaultAlpha はベクトル側の重み
	DefaultAlpha = 0.5
	// DefaultRRFK はRRFの平滑化定数
	DefaultRRFK = 60

	scoreEpsilon = 1e-12
)

// FusionParams はRRFのパラメータ
type FusionParams struct {
	Alpha float64
	K     int
}

// DefaultFusionParams はデフォルトのFusionParamsを返す
func DefaultFusionParams() FusionParams {
	return FusionParams{Alpha: DefaultAlpha, K: DefaultRRFK}
}

// normalized は alpha を [0,1] に丸め、k を1以上にした値を返す
func (p FusionParams) normalized() FusionParams {
	alpha := p.Alpha
	if math.IsNaN(alpha) {
		alpha = DefaultAlpha
	}
	alpha = math.Max(0, math.Min(1, alpha))
	k := p.K
	if k < 1 {
		k = DefaultRRFK
	}
	return FusionParams{Alpha: alpha, K: k}
}

// MaxScore は両リストで1位の候補が得る融合スコア（正規化の上限）
func (p FusionParams) MaxScore() float64 {
	n := p.normalized()
	return 1.0 / float64(n.K+1)
}

// Score は順位から融合スコアを計算する
// 片方のリストに存在しない順位は寄与0として扱う
func (p FusionParams) Score(vectorRank, keywordRank mo.Option[int]) float64 {
	n := p.normalized()
	var score float64
	if rank, ok := vectorRank.Get(); ok {
		score += n.Alpha / float64(n.K+rank)
	}
	if rank, ok := keywordRank.Get(); ok {
		score += (1 - n.Alpha) / float64(n.K+rank)
	}
	return score
}

// FuseRRF はベクトル検索と全文検索の順位リストをReciprocal Rank Fusionで統合する
//
// 並び順は融合スコアの降順、同点はベクトル類似度の降順、それでも同点なら入力順
// （ベクトル側の出現順、続いて全文検索のみの候補の出現順）。I/Oは行わない。
func FuseRRF(vector, keyword []ScoredChunk, params FusionParams) []Candidate {
	index := make(map[uuid.UUID]int, len(vector)+len(keyword))
	candidates := make([]Candidate, 0, len(vector)+len(keyword))

	for i, sc := range vector {
		if _, seen := index[sc.ID]; seen {
			continue
		}
		index[sc.ID] = len(candidates)
		candidates = append(candidates, Candidate{
			Chunk:            sc.Chunk,
			VectorRank:       mo.Some(i + 1),
			VectorSimilarity: sc.Similarity,
		})
	}

	for i, sc := range keyword {
		pos, seen := index[sc.ID]
		if !seen {
			index[sc.ID] = len(candidates)
			candidates = append(candidates, Candidate{
				Chunk:            sc.Chunk,
				KeywordRank:      mo.Some(i + 1),
				KeywordRelevance: sc.Similarity,
			})
			continue
		}
		if candidates[pos].KeywordRank.IsAbsent() {
			candidates[pos].KeywordRank = mo.Some(i + 1)
			candidates[pos].KeywordRelevance = sc.Similarity
		}
	}

	for i := range candidates {
		candidates[i].FusedScore = params.Score(candidates[i].VectorRank, candidates[i].KeywordRank)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if math.Abs(a.FusedScore-b.FusedScore) > scoreEpsilon {
			return a.FusedScore > b.FusedScore
		}
		return a.VectorSimilarity > b.VectorSimilarity
	})

	return candidates
}

// singleListCandidates は単一モード検索の結果を候補列に変換する
func singleListCandidates(results []ScoredChunk, mode Mode) []Candidate {
	candidates := make([]Candidate, 0, len(results))
	for i, sc := range results {
		c := Candidate{Chunk: sc.Chunk, FusedScore: sc.Similarity}
		if mode == ModeKeyword {
			c.KeywordRank = mo.Some(i + 1)
			c.KeywordRelevance = sc.Similarity
		} else {
			c.VectorRank = mo.Some(i + 1)
			c.VectorSimilarity = sc.Similarity
		}
		candidates = append(candidates, c)
	}
	return candidates
}
