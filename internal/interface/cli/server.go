package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/jinford/doc-rag/internal/interface/httpapi"
)

const shutdownTimeout = 10 * time.Second

// ServerStartAction はHTTPサーバを起動するコマンドのアクション
func ServerStartAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")

	// 共通コンテキストの初期化
	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	c := appCtx.Container
	port := c.Config().Server.Port
	if p := cmd.Int("port"); p > 0 {
		port = int(p)
	}

	handler := httpapi.NewServer(c.SearchService, c.AskService, c.IngestService,
		httpapi.WithLogger(appCtx.Logger()),
		httpapi.WithSettings(c.SettingsStore),
	)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		appCtx.Logger().Info("HTTPサーバを起動します", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTPサーバが異常終了しました: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		appCtx.Logger().Info("HTTPサーバを停止します")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	appCtx.Logger().Info("HTTPサーバを停止しました")
	return nil
}
