package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	appcli "github.com/jinford/doc-rag/internal/interface/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 構造化ログの設定（設定読み込み後に LOG_LEVEL / LOG_FORMAT で置き換わる）
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	app := &cli.Command{
		Name:  "doc-rag",
		Usage: "ドキュメント検索とエージェント型質問応答の RAG 基盤",
		Commands: []*cli.Command{
			{
				Name:  "server",
				Usage: "HTTPサーバコマンド",
				Commands: []*cli.Command{
					{
						Name:  "start",
						Usage: "HTTPサーバを起動",
						Flags: []cli.Flag{
							envFlag(),
							&cli.IntFlag{
								Name:  "port",
								Usage: "待ち受けポート（省略時は HTTP_PORT）",
							},
						},
						Action: appcli.ServerStartAction,
					},
				},
			},
			{
				Name:      "ask",
				Usage:     "アップロード済みドキュメントに対して質問",
				ArgsUsage: "<質問文>",
				Flags: []cli.Flag{
					envFlag(),
					ownerFlag(),
					modeFlag(),
					&cli.BoolFlag{
						Name:  "show-sources",
						Usage: "参照ソースを表示",
					},
				},
				Action: appcli.AskAction,
			},
			{
				Name:      "search",
				Usage:     "チャンクを検索",
				ArgsUsage: "<検索クエリ>",
				Flags: []cli.Flag{
					envFlag(),
					ownerFlag(),
					modeFlag(),
					&cli.IntFlag{
						Name:  "limit",
						Usage: "返す件数（省略時は RETRIEVAL_LIMIT）",
					},
				},
				Action: appcli.SearchAction,
			},
			{
				Name:  "document",
				Usage: "ドキュメント管理コマンド",
				Commands: []*cli.Command{
					{
						Name:  "add",
						Usage: "ファイルを取り込む",
						Flags: []cli.Flag{
							envFlag(),
							ownerFlag(),
							&cli.StringFlag{
								Name:     "file",
								Usage:    "取り込むファイルのパス",
								Required: true,
							},
							&cli.StringFlag{
								Name:  "type",
								Usage: "MIME タイプ（省略時は拡張子から推定）",
							},
						},
						Action: appcli.DocumentAddAction,
					},
					{
						Name:   "list",
						Usage:  "ドキュメント一覧を表示",
						Flags:  []cli.Flag{envFlag(), ownerFlag()},
						Action: appcli.DocumentListAction,
					},
					{
						Name:  "delete",
						Usage: "ドキュメントとチャンクを削除",
						Flags: []cli.Flag{
							envFlag(),
							ownerFlag(),
							&cli.StringFlag{
								Name:     "id",
								Usage:    "ドキュメントID",
								Required: true,
							},
						},
						Action: appcli.DocumentDeleteAction,
					},
				},
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func envFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "env",
		Usage: "環境変数ファイルパス",
		Value: ".env",
	}
}

func ownerFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     "owner",
		Usage:    "所有者ID（UUID）",
		Required: true,
	}
}

func modeFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "mode",
		Usage: "検索モード（vector, keyword, hybrid。省略時は SEARCH_MODE）",
	}
}
