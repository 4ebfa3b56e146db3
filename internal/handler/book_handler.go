package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/readtrack/internal/book"
	"github.com/hitoshi/readtrack/internal/middleware"
	"github.com/hitoshi/readtrack/internal/model"
	"github.com/hitoshi/readtrack/internal/reading"
)

// ReadingServiceInterface は読書区間の受付に必要なサービスインターフェース。
type ReadingServiceInterface interface {
	SubmitInterval(ctx context.Context, in reading.SubmitIntervalInput) (*model.IntervalSubmission, error)
}

// BookServiceInterface は本のハンドラーが必要とするサービスインターフェース。
type BookServiceInterface interface {
	// TopRecommended は既読ページ数の多い順に上位n件を返す。
	TopRecommended(ctx context.Context, n int) ([]model.BookAggregateView, error)
	CreateBook(ctx context.Context, in book.CreateBookInput) (*model.Book, error)
	UpdateBook(ctx context.Context, id int64, in book.UpdateBookInput) (*model.Book, error)
}

// submitIntervalRequest は POST /v1/book/submit-interval のリクエストボディ。
type submitIntervalRequest struct {
	UserID    int64 `json:"user_id" validate:"required,min=1"`
	BookID    int64 `json:"book_id" validate:"required,min=1"`
	StartPage int   `json:"start_page" validate:"required,min=1"`
	EndPage   int   `json:"end_page" validate:"required,min=1,gtefield=StartPage"`
}

// submitIntervalAuthRequest は認証ユーザー版のリクエストボディ。user_idはトークンから取る。
type submitIntervalAuthRequest struct {
	BookID    int64 `json:"book_id" validate:"required,min=1"`
	StartPage int   `json:"start_page" validate:"required,min=1"`
	EndPage   int   `json:"end_page" validate:"required,min=1,gtefield=StartPage"`
}

// storeBookRequest は本の登録リクエスト。
type storeBookRequest struct {
	BookName   string `json:"book_name" validate:"required,max=255"`
	NumOfPages int    `json:"num_of_pages" validate:"required,min=1,max=100000"`
}

// updateBookRequest は本の更新リクエスト。指定したフィールドだけを更新する。
type updateBookRequest struct {
	BookName   *string `json:"book_name" validate:"omitnil,min=1,max=255"`
	NumOfPages *int    `json:"num_of_pages" validate:"omitnil,min=1,max=100000"`
}

// BookHandler は本と読書区間のHTTPハンドラー。
type BookHandler struct {
	reading  ReadingServiceInterface
	books    BookServiceInterface
	validate *requestValidator
}

// NewBookHandler はBookHandlerを生成する。
func NewBookHandler(reading ReadingServiceInterface, books BookServiceInterface) *BookHandler {
	return &BookHandler{reading: reading, books: books, validate: newRequestValidator()}
}

// SubmitInterval は読書区間を受け付ける。集計は非同期に行うため202を返す。
// POST /v1/book/submit-interval
func (h *BookHandler) SubmitInterval(w http.ResponseWriter, r *http.Request) {
	var req submitIntervalRequest
	if !decodeAndValidate(w, r, h.validate, &req) {
		return
	}
	h.submit(w, r, reading.SubmitIntervalInput{
		UserID:    req.UserID,
		BookID:    req.BookID,
		StartPage: req.StartPage,
		EndPage:   req.EndPage,
	})
}

// SubmitIntervalByAuthUser は認証ユーザーの読書区間を受け付ける。
// POST /v1/book/submit-interval-by-auth-user
func (h *BookHandler) SubmitIntervalByAuthUser(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	var req submitIntervalAuthRequest
	if !decodeAndValidate(w, r, h.validate, &req) {
		return
	}
	h.submit(w, r, reading.SubmitIntervalInput{
		UserID:    userID,
		BookID:    req.BookID,
		StartPage: req.StartPage,
		EndPage:   req.EndPage,
	})
}

func (h *BookHandler) submit(w http.ResponseWriter, r *http.Request, in reading.SubmitIntervalInput) {
	sub, err := h.reading.SubmitInterval(r.Context(), in)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, statusResponse{StatusCode: "success", SubmissionID: sub.ID})
}

// MostRecommendedFiveBooks は既読ページ数の多い上位5冊を返す。
// GET /v1/book/most-recommended-five-books
func (h *BookHandler) MostRecommendedFiveBooks(w http.ResponseWriter, r *http.Request) {
	views, err := h.books.TopRecommended(r.Context(), book.DefaultTopN)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if views == nil {
		views = []model.BookAggregateView{}
	}
	writeJSON(w, http.StatusOK, views)
}

// StoreBook は本を登録する。管理者のみ。
// POST /v1/book/store-book-by-admin-user
func (h *BookHandler) StoreBook(w http.ResponseWriter, r *http.Request) {
	var req storeBookRequest
	if !decodeAndValidate(w, r, h.validate, &req) {
		return
	}
	if _, err := h.books.CreateBook(r.Context(), book.CreateBookInput{
		Name:       req.BookName,
		NumOfPages: req.NumOfPages,
	}); err != nil {
		handleServiceError(w, err)
		return
	}
	writeSuccess(w, http.StatusCreated)
}

// UpdateBook は本の名前または総ページ数を更新する。管理者のみ。
// PUT /v1/book/update-book-by-admin-user/{id}
func (h *BookHandler) UpdateBook(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req updateBookRequest
	if !decodeAndValidate(w, r, h.validate, &req) {
		return
	}
	if req.BookName == nil && req.NumOfPages == nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest,
			model.NewInvalidRequestError("book_name または num_of_pages を指定してください"))
		return
	}
	if _, err := h.books.UpdateBook(r.Context(), id, book.UpdateBookInput{
		Name:       req.BookName,
		NumOfPages: req.NumOfPages,
	}); err != nil {
		handleServiceError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK)
}
