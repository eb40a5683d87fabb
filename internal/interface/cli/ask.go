package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	coreask "github.com/jinford/doc-rag/internal/core/ask"
	coresearch "github.com/jinford/doc-rag/internal/core/search"
	"github.com/jinford/doc-rag/internal/core/stream"
)

// AskAction は質問応答コマンドのアクション
func AskAction(ctx context.Context, cmd *cli.Command) error {
	// フラグの取得
	showSources := cmd.Bool("show-sources")
	envFile := cmd.String("env")
	ownerID, err := ownerFlag(cmd)
	if err != nil {
		return err
	}

	// 質問文の取得
	question := cmd.Args().First()
	if question == "" {
		return fmt.Errorf("質問文を指定してください")
	}

	// 共通コンテキストの初期化
	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	settings := appCtx.Container.AskSettings()
	if m := cmd.String("mode"); m != "" {
		mode, ok := coresearch.ParseMode(m)
		if !ok {
			return fmt.Errorf("検索モードが不正です: %q", m)
		}
		settings.Search.Mode = mode
	}

	slog.Info("質問応答を開始", "ownerID", ownerID.String(), "mode", settings.Search.Mode)

	// 回答はストリーミングで標準出力へ
	resp, err := appCtx.Container.AskService.Ask(ctx, coreask.AskParams{
		OwnerID:  ownerID,
		Messages: []coreask.ChatMessage{{Role: "user", Content: question}},
	}, settings, consoleSink(os.Stdout))
	if err != nil {
		slog.Error("質問応答に失敗しました", "error", err)
		return err
	}
	fmt.Println()

	if showSources && len(resp.Sources) > 0 {
		fmt.Println("\n--- 参照ソース ---")
		for i, source := range resp.Sources {
			fmt.Printf("[%d] %s スコア: %.4f\n", i+1, source.Filename, source.Similarity)
		}
	}

	slog.Info("質問応答が完了しました", "rounds", resp.Rounds, "toolCalls", len(resp.ToolCalls))
	return nil
}

// consoleSink は本文の断片とツール呼び出しを端末に書き出す
func consoleSink(w io.Writer) stream.Sink {
	return stream.SinkFunc(func(event stream.Event) error {
		switch event.Type {
		case stream.EventContent:
			_, err := io.WriteString(w, event.Content)
			return err
		case stream.EventToolCall:
			if event.ToolCall != nil {
				slog.Info("ツールを呼び出しました", "tool", event.ToolCall.Name)
			}
		case stream.EventError:
			slog.Warn("エラーイベントを受信しました", "error", event.Error)
		}
		return nil
	})
}
