// Package reading は読書区間の受付（送信ログの保存と集計ジョブの投入）を提供する。
package reading

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/readtrack/internal/metrics"
	"github.com/hitoshi/readtrack/internal/model"
	"github.com/hitoshi/readtrack/internal/repository"
)

// Enqueuer は集計ジョブをキューへ投入するインターフェース。
type Enqueuer interface {
	Enqueue(ctx context.Context, job model.AggregationJob) error
}

// SubmitIntervalInput は読書区間の送信内容。
type SubmitIntervalInput struct {
	UserID    int64
	BookID    int64
	StartPage int
	EndPage   int
}

// Service は読書区間の受付サービス。
// 検証 → 送信ログの保存 → 集計ジョブの投入の順に処理し、集計の完了は待たない。
type Service struct {
	userRepo repository.UserRepository
	bookRepo repository.BookRepository
	subRepo  repository.SubmissionRepository
	queue    Enqueuer
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
	now      func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	userRepo repository.UserRepository,
	bookRepo repository.BookRepository,
	subRepo repository.SubmissionRepository,
	queue Enqueuer,
	m metrics.MetricsCollector,
	logger *slog.Logger,
) *Service {
	return &Service{
		userRepo: userRepo,
		bookRepo: bookRepo,
		subRepo:  subRepo,
		queue:    queue,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// SubmitInterval は読書区間を検証して送信ログに保存し、集計ジョブを投入する。
//
// 検証エラーは*model.APIErrorで返し、状態は変更しない。
// 送信ログの保存に失敗した場合はジョブを投入しない。
// 保存後の投入失敗は警告ログのみとし成功を返す（未投入の送信は再投入スイーパーが拾う）。
func (s *Service) SubmitInterval(ctx context.Context, in SubmitIntervalInput) (*model.IntervalSubmission, error) {
	if err := s.validate(ctx, in); err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) {
			s.metrics.RecordSubmissionRejected(apiErr.Code)
		}
		return nil, err
	}

	sub := &model.IntervalSubmission{
		ID:          uuid.NewString(),
		UserID:      in.UserID,
		BookID:      in.BookID,
		StartPage:   in.StartPage,
		EndPage:     in.EndPage,
		SubmittedAt: s.now(),
	}

	if err := s.subRepo.Create(ctx, sub); err != nil {
		// 検証後にユーザーまたは本が削除された
		if repository.IsForeignKeyViolation(err) {
			s.metrics.RecordSubmissionRejected(model.ErrCodeInvalidRequest)
			return nil, model.NewInvalidRequestError("ユーザーまたは本が削除されました")
		}
		return nil, fmt.Errorf("読書区間の保存に失敗しました: %w", err)
	}
	s.metrics.RecordSubmissionAccepted()

	if err := s.queue.Enqueue(ctx, model.JobFromSubmission(sub)); err != nil {
		s.metrics.RecordEnqueueFailure()
		s.logger.Warn("集計ジョブの投入に失敗しました。再投入を待ちます",
			slog.String("submission_id", sub.ID),
			slog.Int64("book_id", sub.BookID),
			slog.Int64("user_id", sub.UserID),
			slog.String("error", err.Error()),
		)
		return sub, nil
	}

	at := s.now()
	if err := s.subRepo.MarkEnqueued(ctx, sub.ID, at); err != nil {
		// 投入済みの記録漏れは再投入による重複配送になるだけで、集計は冪等
		s.logger.Warn("投入済みの記録に失敗しました",
			slog.String("submission_id", sub.ID),
			slog.String("error", err.Error()),
		)
	} else {
		sub.EnqueuedAt = &at
	}

	s.logger.Info("読書区間を受け付けました",
		slog.String("submission_id", sub.ID),
		slog.Int64("book_id", sub.BookID),
		slog.Int64("user_id", sub.UserID),
		slog.Int("start_page", sub.StartPage),
		slog.Int("end_page", sub.EndPage),
	)
	return sub, nil
}

func (s *Service) validate(ctx context.Context, in SubmitIntervalInput) error {
	book, err := s.bookRepo.FindByID(ctx, in.BookID)
	if err != nil {
		return fmt.Errorf("本の取得に失敗しました: %w", err)
	}
	if book == nil {
		return model.NewBookNotFoundError(in.BookID)
	}

	if in.StartPage < 1 || in.EndPage < in.StartPage || in.EndPage > book.NumOfPages {
		return model.NewInvalidPageRangeError(in.StartPage, in.EndPage, book.NumOfPages)
	}

	user, err := s.userRepo.FindByID(ctx, in.UserID)
	if err != nil {
		return fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return model.NewUnknownUserError(in.UserID)
	}
	return nil
}
