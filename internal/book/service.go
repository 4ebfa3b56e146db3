// Package book は本のカタログ管理とおすすめランキングのドメインロジックを提供する。
package book

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hitoshi/readtrack/internal/cache"
	"github.com/hitoshi/readtrack/internal/model"
	"github.com/hitoshi/readtrack/internal/repository"
	"github.com/hitoshi/readtrack/internal/security"
)

const (
	// DefaultTopN はおすすめランキングのデフォルト件数。
	DefaultTopN = 5
	// MaxTopN はおすすめランキングで一度に返す最大件数。
	MaxTopN = 50
)

// CreateBookInput は本の登録内容。
type CreateBookInput struct {
	Name       string
	NumOfPages int
}

// UpdateBookInput は本の更新内容。nilの項目は変更しない。
type UpdateBookInput struct {
	Name       *string
	NumOfPages *int
}

// Service は本のサービス層。
type Service struct {
	bookRepo  repository.BookRepository
	cache     cache.RecommendationCache
	sanitizer security.TextSanitizer
	logger    *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。
// cacheがnilの場合はキャッシュなしで動作する。
func NewService(
	bookRepo repository.BookRepository,
	c cache.RecommendationCache,
	sanitizer security.TextSanitizer,
	logger *slog.Logger,
) *Service {
	if c == nil {
		c = cache.NoopCache{}
	}
	return &Service{
		bookRepo:  bookRepo,
		cache:     c,
		sanitizer: sanitizer,
		logger:    logger,
	}
}

// TopRecommended は既読ページ数の降順（同数はID昇順）で最大n冊を返す。
// nは1..MaxTopNに丸める。最後にコミットされた集計値を読み、ロックは取得しない。
// キャッシュの失敗はログに残してDBから読む。
//
// DBから読んだ結果はGetTopで得た世代に保存する。読み取り中にワーカーが
// コミットして無効化した場合、その結果は新しい世代からは読まれない。
func (s *Service) TopRecommended(ctx context.Context, n int) ([]model.BookAggregateView, error) {
	n = clampTopN(n)

	views, gen, ok, cacheErr := s.cache.GetTop(ctx, n)
	if cacheErr != nil {
		s.logger.Warn("推薦キャッシュの取得に失敗しました",
			slog.Int("n", n),
			slog.String("error", cacheErr.Error()),
		)
	}
	if ok {
		return views, nil
	}

	views, err := s.bookRepo.ListTopByUniqueReadPages(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("おすすめ本の取得に失敗しました: %w", err)
	}

	// 世代を取得できなかった場合は書き戻さない
	if cacheErr != nil {
		return views, nil
	}
	if err := s.cache.SetTop(ctx, gen, n, views); err != nil {
		s.logger.Warn("推薦キャッシュの保存に失敗しました",
			slog.Int("n", n),
			slog.String("error", err.Error()),
		)
	}
	return views, nil
}

func clampTopN(n int) int {
	switch {
	case n < 1:
		return DefaultTopN
	case n > MaxTopN:
		return MaxTopN
	default:
		return n
	}
}

// GetBook は指定IDの本を返す。
func (s *Service) GetBook(ctx context.Context, id int64) (*model.Book, error) {
	b, err := s.bookRepo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("本の取得に失敗しました: %w", err)
	}
	if b == nil {
		return nil, model.NewBookNotFoundError(id)
	}
	return b, nil
}

// CreateBook は本を登録する。名前はサニタイズ後に空でなく一意であること。
func (s *Service) CreateBook(ctx context.Context, in CreateBookInput) (*model.Book, error) {
	name := s.sanitizer.Sanitize(in.Name)
	if name == "" {
		return nil, model.NewInvalidRequestError("本の名前を指定してください")
	}
	if in.NumOfPages < 1 || in.NumOfPages > model.MaxNumOfPages {
		return nil, model.NewInvalidRequestError(fmt.Sprintf("総ページ数は1以上%d以下で指定してください", model.MaxNumOfPages))
	}

	b := &model.Book{Name: name, NumOfPages: in.NumOfPages}
	if err := s.bookRepo.Create(ctx, b); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, model.NewBookNameTakenError(name)
		}
		return nil, fmt.Errorf("本の登録に失敗しました: %w", err)
	}

	s.invalidate(ctx)
	s.logger.Info("本を登録しました",
		slog.Int64("book_id", b.ID),
		slog.String("book_name", b.Name),
		slog.Int("num_of_pages", b.NumOfPages),
	)
	return b, nil
}

// UpdateBook は本の名前と総ページ数を更新する。
// 総ページ数を現在の既読ページ数より小さくすることはできない。
func (s *Service) UpdateBook(ctx context.Context, id int64, in UpdateBookInput) (*model.Book, error) {
	b, err := s.GetBook(ctx, id)
	if err != nil {
		return nil, err
	}

	if in.Name != nil {
		name := s.sanitizer.Sanitize(*in.Name)
		if name == "" {
			return nil, model.NewInvalidRequestError("本の名前を指定してください")
		}
		b.Name = name
	}
	if in.NumOfPages != nil {
		if *in.NumOfPages < 1 || *in.NumOfPages > model.MaxNumOfPages {
			return nil, model.NewInvalidRequestError(fmt.Sprintf("総ページ数は1以上%d以下で指定してください", model.MaxNumOfPages))
		}
		b.NumOfPages = *in.NumOfPages
	}

	if err := s.bookRepo.Update(ctx, b); err != nil {
		switch {
		case errors.Is(err, repository.ErrBookNotFound):
			return nil, model.NewBookNotFoundError(id)
		case errors.Is(err, repository.ErrDuplicate):
			return nil, model.NewBookNameTakenError(b.Name)
		case errors.Is(err, repository.ErrPageCountBelowAggregate):
			minPages := b.UniqueReadPages
			var tooSmall *repository.PageCountTooSmallError
			if errors.As(err, &tooSmall) {
				minPages = tooSmall.MinNumOfPages
			}
			return nil, model.NewPageCountBelowAggregateError(b.NumOfPages, minPages)
		}
		return nil, fmt.Errorf("本の更新に失敗しました: %w", err)
	}

	s.invalidate(ctx)
	s.logger.Info("本を更新しました",
		slog.Int64("book_id", b.ID),
		slog.String("book_name", b.Name),
		slog.Int("num_of_pages", b.NumOfPages),
	)
	return b, nil
}

// ランキングに名前と総ページ数が含まれるため、カタログ変更時もキャッシュを捨てる
func (s *Service) invalidate(ctx context.Context) {
	if err := s.cache.Invalidate(ctx); err != nil {
		s.logger.Warn("推薦キャッシュの無効化に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}
