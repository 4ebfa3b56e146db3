package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/hitoshi/readtrack/internal/config"
	"github.com/hitoshi/readtrack/internal/database"
	"github.com/hitoshi/readtrack/internal/logger"
	"github.com/hitoshi/readtrack/internal/seed"
	"github.com/hitoshi/readtrack/internal/supervisor"
	"github.com/hitoshi/readtrack/internal/user"
)

// ErrAggregateInconsistent はauditで総ページ数を超える集計値が見つかったことを示す。
var ErrAggregateInconsistent = errors.New("aggregate inconsistency detected")

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップしてから環境変数を読み込み、LOG_LEVELを反映する。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger.SetLevel(cfg.LogLevel)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// argsにはos.Args[1:]を渡す。SIGINTまたはSIGTERMでコンテキストをキャンセルする。
func Run(w io.Writer, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := NewRootCommand(w)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// runServe はAPIサーバーモードで起動する。
//
// QUEUE_DRIVER=memoryでは集計コンシューマーと監査ジョブも同じ監視ツリーで動かし、
// コンシューマーが購読を開始してからHTTPサーバーを追加する。
// NATSでは集計はworkerプロセスに任せ、再投入スイーパーとHTTPサーバーだけを動かす。
func runServe(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()
	log.Info("starting application",
		slog.String("command", "serve"),
		slog.String("port", cfg.ServerPort),
		slog.String("queue_driver", string(cfg.QueueDriver)),
	)

	c, err := newComponents(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer c.Close()

	inProcess := cfg.QueueDriver == config.QueueDriverMemory
	t, err := newTransport(cfg, log, inProcess)
	if err != nil {
		return err
	}
	defer t.Close()

	server, limiter, err := c.newAPIServer(t)
	if err != nil {
		return err
	}
	defer limiter.Stop()

	tree := supervisor.NewTree(log, supervisor.DefaultTreeConfig())

	var ready <-chan struct{}
	if inProcess {
		consumer, err := c.newConsumer(t)
		if err != nil {
			return err
		}
		tree.AddMessagingService(consumer)
		tree.AddJobService(c.newAuditJob())
		ready = consumer.Ready()
	}
	tree.AddJobService(c.newSweeper(t))

	errCh := tree.ServeBackground(ctx)

	if ready != nil {
		select {
		case <-ready:
		case <-ctx.Done():
			return waitTree(tree, errCh, log)
		}
	}

	tree.AddAPIService(supervisor.NewHTTPService("api-server", server, 30*time.Second))
	log.Info("API server starting", slog.String("addr", server.Addr))

	return waitTree(tree, errCh, log)
}

// runWorker は集計ワーカーモードで起動する。NATSトランスポートが必要。
// コンシューマー、再投入スイーパー、監査ジョブとメトリクスサーバーを監視ツリーで動かす。
func runWorker(ctx context.Context, cfg *config.Config) error {
	if cfg.QueueDriver != config.QueueDriverNATS {
		return fmt.Errorf("worker requires QUEUE_DRIVER=nats (got %q)", cfg.QueueDriver)
	}

	log := slog.Default()
	log.Info("starting application",
		slog.String("command", "worker"),
		slog.String("metrics_port", cfg.MetricsPort),
		slog.Int("concurrency", cfg.WorkerConcurrency),
	)

	c, err := newComponents(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer c.Close()

	t, err := newTransport(cfg, log, true)
	if err != nil {
		return err
	}
	defer t.Close()

	consumer, err := c.newConsumer(t)
	if err != nil {
		return err
	}

	tree := supervisor.NewTree(log, supervisor.DefaultTreeConfig())
	tree.AddMessagingService(consumer)
	tree.AddJobService(c.newSweeper(t))
	tree.AddJobService(c.newAuditJob())
	tree.AddAPIService(supervisor.NewHTTPService("metrics-server", c.newMetricsServer(), 10*time.Second))

	return waitTree(tree, tree.ServeBackground(ctx), log)
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runSeed は初期ユーザーと本のカタログを投入する。
// 本を追加した場合は推薦キャッシュを無効化する。
func runSeed(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()
	c, err := newComponents(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer c.Close()

	seeder := seed.NewSeeder(user.NewService(c.userRepo), c.bookRepo, log)
	result, err := seeder.Run(ctx, seed.DefaultUsers, seed.DefaultBooks)
	if err != nil {
		return fmt.Errorf("seed failed: %w", err)
	}

	if result.BooksCreated > 0 {
		if err := c.cache.Invalidate(ctx); err != nil {
			log.Warn("推薦キャッシュの無効化に失敗しました", slog.String("error", err.Error()))
		}
	}

	log.Info("seed completed",
		slog.Int("users_created", result.UsersCreated),
		slog.Int("users_skipped", result.UsersSkipped),
		slog.Int("books_created", result.BooksCreated),
		slog.Int("books_skipped", result.BooksSkipped),
	)
	return nil
}

// runRequeue は再投入スイーパーを1回だけ実行する。
// memoryドライバーでは購読者のいないプロセスに投入することになるため拒否する。
func runRequeue(ctx context.Context, cfg *config.Config) error {
	if cfg.QueueDriver != config.QueueDriverNATS {
		return fmt.Errorf("requeue requires QUEUE_DRIVER=nats (got %q)", cfg.QueueDriver)
	}

	log := slog.Default()
	c, err := newComponents(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer c.Close()

	t, err := newTransport(cfg, log, false)
	if err != nil {
		return err
	}
	defer t.Close()

	n, err := c.newSweeper(t).RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("requeue failed after %d submissions: %w", n, err)
	}
	log.Info("requeue completed", slog.Int("requeued", n))
	return nil
}

// runAudit は集計値の監査を1回だけ実行する。
// 総ページ数を超える集計値があればErrAggregateInconsistentを返す。
func runAudit(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()
	c, err := newComponents(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer c.Close()

	report, err := c.newAuditJob().RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("audit failed: %w", err)
	}

	log.Info("audit completed",
		slog.Int("mismatches", report.Mismatches),
		slog.Int("inconsistencies", report.Inconsistencies),
	)
	if report.Inconsistencies > 0 {
		return fmt.Errorf("%w: %d books", ErrAggregateInconsistent, report.Inconsistencies)
	}
	return nil
}

// runHealthcheck は baseURL/health にリクエストを送り、200以外ならエラーを返す。
func runHealthcheck(ctx context.Context, baseURL string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// waitTree は監視ツリーの終了を待ち、停止しなかったサービスを報告する。
// コンテキストのキャンセルによる終了はエラーとして扱わない。
func waitTree(tree *supervisor.Tree, errCh <-chan error, log *slog.Logger) error {
	// ServeBackgroundのチャネルは1回だけ送信され、閉じられない
	var result error
	if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
		log.Error("supervisor tree error", slog.String("error", err.Error()))
		result = err
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		log.Warn("service failed to stop within timeout", slog.String("service", svc.Name))
	}

	log.Info("application stopped gracefully")
	return result
}

// maskDatabaseURL はデータベースURLのパスワードを伏せる。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
