package aggregate

import (
	"errors"

	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	"github.com/hitoshi/readtrack/internal/metrics"
	"github.com/hitoshi/readtrack/internal/queue"
	"github.com/hitoshi/readtrack/internal/repository"
)

var (
	// ErrAggregationInconsistency は再計算した既読ページ数が総ページ数を超えた場合に返る。
	// データ整合性の破損を意味し、値を丸めずにジョブをデッドレターへ送る。
	ErrAggregationInconsistency = errors.New("aggregation inconsistency")

	// ErrLockTimeout は本ロックを制限時間内に取得できなかった場合に返る。
	ErrLockTimeout = errors.New("book lock wait timed out")

	// ErrInvalidInterval はジョブの区間が本のページ範囲に収まらない場合に返る。
	ErrInvalidInterval = errors.New("interval outside book page range")
)

// Kind は失敗の種別。
type Kind int

const (
	// KindTransient はリトライと再配送で回復しうる失敗。
	KindTransient Kind = iota
	// KindPermanent は何度処理しても成功しない失敗。デッドレターへ送る。
	KindPermanent
)

// String はメトリクスのラベル値を返す。
func (k Kind) String() string {
	if k == KindPermanent {
		return metrics.FailurePermanent
	}
	return metrics.FailureTransient
}

// PermanentError はリトライしてはならない集計ジョブの失敗を表す。
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "permanent: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent はerrをPermanentErrorで包む。nilや包み済みのエラーはそのまま返す。
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	var pe *PermanentError
	if errors.As(err, &pe) {
		return err
	}
	return &PermanentError{Err: err}
}

// Classify はジョブ処理のエラーを一時的か恒久的かに分類する。
//
// 恒久的:
//   - PermanentError
//   - 本の削除（ErrBookNotFound）、ユーザー削除による外部キー違反
//   - 解釈できないペイロード、ページ範囲外の区間
//   - 集計不整合、CHECK制約違反
//   - ハンドラー内のpanic
//
// それ以外（ロックタイムアウト、接続断、シリアライズ失敗など）はすべて一時的とする。
func Classify(err error) Kind {
	if err == nil {
		return KindTransient
	}

	var pe *PermanentError
	if errors.As(err, &pe) {
		return KindPermanent
	}
	var panicErr middleware.RecoveredPanicError
	if errors.As(err, &panicErr) {
		return KindPermanent
	}

	switch {
	case errors.Is(err, queue.ErrMalformedJob),
		errors.Is(err, repository.ErrBookNotFound),
		errors.Is(err, ErrInvalidInterval),
		errors.Is(err, ErrAggregationInconsistency),
		repository.IsForeignKeyViolation(err),
		repository.IsCheckViolation(err):
		return KindPermanent
	}
	return KindTransient
}

// IsPermanent はerrが恒久的な失敗かを返す。
func IsPermanent(err error) bool {
	return err != nil && Classify(err) == KindPermanent
}
