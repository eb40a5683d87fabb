package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"

	coresearch "github.com/jinford/doc-rag/internal/core/search"
)

// SearchAction は検索コマンドのアクション
func SearchAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	ownerID, err := ownerFlag(cmd)
	if err != nil {
		return err
	}

	query := cmd.Args().First()
	if strings.TrimSpace(query) == "" {
		return fmt.Errorf("検索クエリを指定してください")
	}

	var mode coresearch.Mode
	if m := cmd.String("mode"); m != "" {
		parsed, ok := coresearch.ParseMode(m)
		if !ok {
			return fmt.Errorf("検索モードが不正です: %q", m)
		}
		mode = parsed
	}

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	result, err := appCtx.Container.SearchService.Search(ctx, coresearch.SearchParams{
		Query:   query,
		Mode:    mode,
		OwnerID: &ownerID,
		Limit:   int(cmd.Int("limit")),
	})
	if err != nil {
		return fmt.Errorf("検索に失敗しました: %w", err)
	}

	if result.IsEmpty() {
		fmt.Println("該当するチャンクはありません")
		return nil
	}

	fmt.Printf("モード: %s\n\n", result.Mode)
	for i, chunk := range result.Chunks {
		fmt.Printf("[%d] %s #%d 関連度: %.4f\n", i+1, chunk.Filename, chunk.Index, chunk.Relevance)
		fmt.Printf("    %s\n", preview(chunk.Content, 160))
	}
	return nil
}

func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
