package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	coreingestion "github.com/jinford/doc-rag/internal/core/ingestion"
)

// DocumentAddAction はファイルを取り込むコマンドのアクション
func DocumentAddAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	path := cmd.String("file")
	ownerID, err := ownerFlag(cmd)
	if err != nil {
		return err
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("ファイルの読み込みに失敗: %w", err)
	}

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	appCtx.Logger().Info("ドキュメントの取り込みを開始", "file", path, "ownerID", ownerID.String())

	// CLI では完了まで待つ
	result, err := appCtx.Container.IngestService.Ingest(ctx, coreingestion.IngestParams{
		OwnerID:  ownerID,
		Filename: filepath.Base(path),
		FileType: cmd.String("type"),
		Content:  content,
	})
	if err != nil {
		return fmt.Errorf("取り込みに失敗しました: %w", err)
	}

	doc := result.Document
	if result.Duplicate {
		fmt.Printf("同じ内容のドキュメントが登録済みです: %s (%s)\n", doc.ID, doc.Status)
		return nil
	}
	fmt.Printf("取り込みが完了しました: %s チャンク数: %d\n", doc.ID, doc.ChunkCount)
	return nil
}

// DocumentListAction はドキュメント一覧を表示するコマンドのアクション
func DocumentListAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	ownerID, err := ownerFlag(cmd)
	if err != nil {
		return err
	}

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	docs, err := appCtx.Container.IngestService.ListDocuments(ctx, ownerID)
	if err != nil {
		return err
	}

	if len(docs) == 0 {
		fmt.Println("ドキュメントが登録されていません")
		return nil
	}

	fmt.Printf("%-36s  %-30s  %-10s  %s\n", "ID", "FILENAME", "STATUS", "CHUNKS")
	for _, doc := range docs {
		fmt.Printf("%-36s  %-30s  %-10s  %d\n", doc.ID, doc.Filename, doc.Status, doc.ChunkCount)
	}
	return nil
}

// DocumentDeleteAction はドキュメントを削除するコマンドのアクション
func DocumentDeleteAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	ownerID, err := ownerFlag(cmd)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(cmd.String("id"))
	if err != nil {
		return fmt.Errorf("ドキュメントIDが不正です: %w", err)
	}

	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	if err := appCtx.Container.IngestService.DeleteDocument(ctx, ownerID, id); err != nil {
		return fmt.Errorf("削除に失敗しました: %w", err)
	}
	fmt.Printf("ドキュメントを削除しました: %s\n", id)
	return nil
}
