package app

import (
	"io"
	"os"

	"github.com/spf13/cobra"
)

// NewRootCommand はreadtrackのルートコマンドを生成する。
// サブコマンドを省略した場合はserveとして動作する。
// ログの出力先はwで、nilの場合は標準出力。
func NewRootCommand(w io.Writer) *cobra.Command {
	serve := newServeCommand(w)

	root := &cobra.Command{
		Use:           "readtrack",
		Short:         "読書区間の集計と本の推薦を提供するAPIサーバー",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve.RunE,
	}

	root.AddCommand(
		serve,
		newWorkerCommand(w),
		newMigrateCommand(w),
		newSeedCommand(w),
		newRequeueCommand(w),
		newAuditCommand(w),
		newHealthcheckCommand(),
	)
	return root
}

func newServeCommand(w io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "APIサーバーを起動する（QUEUE_DRIVER=memoryでは集計ワーカーも同じプロセスで動かす）",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := Init(w)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func newWorkerCommand(w io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "NATSから集計ジョブを購読する集計ワーカーを起動する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := Init(w)
			if err != nil {
				return err
			}
			return runWorker(cmd.Context(), cfg)
		},
	}
}

func newMigrateCommand(w io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "未適用のデータベースマイグレーションを適用する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := Init(w)
			if err != nil {
				return err
			}
			return runMigrate(cfg)
		},
	}
}

func newSeedCommand(w io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "初期ユーザーと本のカタログを投入する（既存の行はスキップ）",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := Init(w)
			if err != nil {
				return err
			}
			return runSeed(cmd.Context(), cfg)
		},
	}
}

func newRequeueCommand(w io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue",
		Short: "未投入の読書区間を1回だけ再投入する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := Init(w)
			if err != nil {
				return err
			}
			return runRequeue(cmd.Context(), cfg)
		},
	}
}

func newAuditCommand(w io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "集計値を既読事実から再計算して照合する（不整合があれば終了コード1）",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := Init(w)
			if err != nil {
				return err
			}
			return runAudit(cmd.Context(), cfg)
		},
	}
}

// newHealthcheckCommand はdistroless環境でのDockerヘルスチェック用サブコマンド。
// 設定の読み込みを行わない。
func newHealthcheckCommand() *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "ローカルのAPIサーバーの/healthを確認する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealthcheck(cmd.Context(), "http://localhost:"+port)
		},
	}

	defaultPort := os.Getenv("SERVER_PORT")
	if defaultPort == "" {
		defaultPort = "8080"
	}
	cmd.Flags().StringVar(&port, "port", defaultPort, "APIサーバーのポート")
	return cmd
}
