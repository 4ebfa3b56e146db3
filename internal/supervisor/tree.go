// Package supervisor はsutureによるサービスの監視ツリーを提供する。
// 集計コンシューマー、定期ジョブ、HTTPサーバーをそれぞれ別の層に置き、
// ある層のクラッシュが他の層の再起動を引き起こさないようにする。
package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// TreeConfig は監視ツリーの設定。
type TreeConfig struct {
	// FailureThreshold はバックオフに入るまでの失敗回数。
	FailureThreshold float64
	// FailureDecay は失敗回数が減衰する秒数。
	FailureDecay float64
	// FailureBackoff は閾値を超えたときの待機時間。
	FailureBackoff time.Duration
	// ShutdownTimeout は各サービスの停止を待つ最大時間。
	ShutdownTimeout time.Duration
}

// DefaultTreeConfig はsutureの既定値に合わせた設定を返す。
func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5.0,
		FailureDecay:     30.0,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree は readtrack のサービス監視ツリー。
//
//   - messaging: 集計ジョブのコンシューマー
//   - jobs: 再投入スイーパーと集計監査
//   - api: HTTPサーバーとメトリクスサーバー
type Tree struct {
	root      *suture.Supervisor
	messaging *suture.Supervisor
	jobs      *suture.Supervisor
	api       *suture.Supervisor
	config    TreeConfig
}

// NewTree は監視ツリーを生成する。ゼロ値の設定項目には既定値を使う。
func NewTree(logger *slog.Logger, config TreeConfig) *Tree {
	defaults := DefaultTreeConfig()
	if config.FailureThreshold == 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.FailureDecay == 0 {
		config.FailureDecay = defaults.FailureDecay
	}
	if config.FailureBackoff == 0 {
		config.FailureBackoff = defaults.FailureBackoff
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = defaults.ShutdownTimeout
	}

	// MustHookはポインタレシーバー
	hook := (&sutureslog.Handler{Logger: logger}).MustHook()

	childSpec := suture.Spec{
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}
	rootSpec := childSpec
	rootSpec.EventHook = hook

	t := &Tree{
		root:      suture.New("readtrack", rootSpec),
		messaging: suture.New("messaging-layer", childSpec),
		jobs:      suture.New("jobs-layer", childSpec),
		api:       suture.New("api-layer", childSpec),
		config:    config,
	}
	t.root.Add(t.messaging)
	t.root.Add(t.jobs)
	t.root.Add(t.api)
	return t
}

// AddMessagingService はコンシューマーをmessaging層に追加する。
func (t *Tree) AddMessagingService(svc suture.Service) suture.ServiceToken {
	return t.messaging.Add(svc)
}

// AddJobService は定期ジョブをjobs層に追加する。
func (t *Tree) AddJobService(svc suture.Service) suture.ServiceToken {
	return t.jobs.Add(svc)
}

// AddAPIService はHTTPサーバーをapi層に追加する。ツリーの起動後に追加してもよい。
func (t *Tree) AddAPIService(svc suture.Service) suture.ServiceToken {
	return t.api.Add(svc)
}

// Serve はコンテキストがキャンセルされるまでツリーを実行する。
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

// ServeBackground はツリーをバックグラウンドで起動し、終了時のエラーを受け取るチャネルを返す。
func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

// UnstoppedServiceReport は停止タイムアウト内に止まらなかったサービスを返す。
func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}
