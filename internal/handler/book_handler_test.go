package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/readtrack/internal/book"
	"github.com/hitoshi/readtrack/internal/middleware"
	"github.com/hitoshi/readtrack/internal/model"
	"github.com/hitoshi/readtrack/internal/reading"
)

func decodeError(t *testing.T, w *httptest.ResponseRecorder) middleware.ErrorResponseBody {
	t.Helper()
	var body middleware.ErrorResponseBody
	if err := json.NewDecoder(w.Result().Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	return body
}

func TestBookHandler_SubmitInterval_Accepted(t *testing.T) {
	rs := &mockReadingService{}
	h := NewBookHandler(rs, &mockBookService{})

	body := `{"user_id":1,"book_id":2,"start_page":10,"end_page":30}`
	req := httptest.NewRequest(http.MethodPost, "/v1/book/submit-interval", strings.NewReader(body))
	w := httptest.NewRecorder()

	h.SubmitInterval(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d (body %s)", w.Code, http.StatusAccepted, w.Body.String())
	}
	var resp statusResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if resp.StatusCode != "success" || resp.SubmissionID != "sub-1" {
		t.Errorf("response = %+v", resp)
	}
	want := reading.SubmitIntervalInput{UserID: 1, BookID: 2, StartPage: 10, EndPage: 30}
	if len(rs.calls) != 1 || rs.calls[0] != want {
		t.Errorf("calls = %+v, want [%+v]", rs.calls, want)
	}
}

func TestBookHandler_SubmitInterval_ValidationErrors(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantField string
	}{
		{"empty body", ``, ""},
		{"malformed json", `{"user_id":`, ""},
		{"unknown field", `{"user_id":1,"book_id":1,"start_page":1,"end_page":2,"extra":true}`, ""},
		{"missing user", `{"book_id":1,"start_page":1,"end_page":2}`, "user_id"},
		{"zero start page", `{"user_id":1,"book_id":1,"start_page":0,"end_page":2}`, "start_page"},
		{"negative book", `{"user_id":1,"book_id":-1,"start_page":1,"end_page":2}`, "book_id"},
		{"end before start", `{"user_id":1,"book_id":1,"start_page":5,"end_page":4}`, "end_page"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs := &mockReadingService{}
			h := NewBookHandler(rs, &mockBookService{})

			req := httptest.NewRequest(http.MethodPost, "/v1/book/submit-interval", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			h.SubmitInterval(w, req)

			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
			}
			body := decodeError(t, w)
			if body.Code != model.ErrCodeInvalidRequest {
				t.Errorf("code = %q, want %q", body.Code, model.ErrCodeInvalidRequest)
			}
			if tt.wantField != "" && !strings.Contains(body.Message, tt.wantField) {
				t.Errorf("message %q should mention %q", body.Message, tt.wantField)
			}
			if len(rs.calls) != 0 {
				t.Error("service should not be called for invalid request")
			}
		})
	}
}

func TestBookHandler_SubmitInterval_ServiceErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"page range", model.NewInvalidPageRangeError(1, 101, 100), http.StatusBadRequest, model.ErrCodeInvalidPageRange},
		{"unknown book", model.NewBookNotFoundError(9), http.StatusNotFound, model.ErrCodeBookNotFound},
		{"unknown user", model.NewUnknownUserError(9), http.StatusBadRequest, model.ErrCodeUserNotFound},
		{"storage", errors.New("connection refused"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs := &mockReadingService{submitFn: func(ctx context.Context, in reading.SubmitIntervalInput) (*model.IntervalSubmission, error) {
				return nil, tt.err
			}}
			h := NewBookHandler(rs, &mockBookService{})

			req := httptest.NewRequest(http.MethodPost, "/v1/book/submit-interval",
				strings.NewReader(`{"user_id":1,"book_id":9,"start_page":1,"end_page":101}`))
			w := httptest.NewRecorder()
			h.SubmitInterval(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if body := decodeError(t, w); body.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", body.Code, tt.wantCode)
			}
		})
	}
}

func TestBookHandler_SubmitIntervalByAuthUser_UsesTokenUser(t *testing.T) {
	rs := &mockReadingService{}
	h := NewBookHandler(rs, &mockBookService{})

	// ボディのuser_idは受け付けない
	req := httptest.NewRequest(http.MethodPost, "/v1/book/submit-interval-by-auth-user",
		strings.NewReader(`{"book_id":3,"start_page":1,"end_page":5}`))
	req = withClaims(req, 42)
	w := httptest.NewRecorder()

	h.SubmitIntervalByAuthUser(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d (body %s)", w.Code, http.StatusAccepted, w.Body.String())
	}
	if len(rs.calls) != 1 || rs.calls[0].UserID != 42 {
		t.Errorf("calls = %+v, want user 42", rs.calls)
	}
}

func TestBookHandler_SubmitIntervalByAuthUser_NoClaims(t *testing.T) {
	h := NewBookHandler(&mockReadingService{}, &mockBookService{})

	req := httptest.NewRequest(http.MethodPost, "/v1/book/submit-interval-by-auth-user",
		strings.NewReader(`{"book_id":3,"start_page":1,"end_page":5}`))
	w := httptest.NewRecorder()
	h.SubmitIntervalByAuthUser(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestBookHandler_MostRecommendedFiveBooks(t *testing.T) {
	var gotN int
	bs := &mockBookService{topFn: func(ctx context.Context, n int) ([]model.BookAggregateView, error) {
		gotN = n
		return []model.BookAggregateView{
			{BookID: 1, BookName: "The Hobbit", NumOfPages: 310, UniqueReadPages: 15},
			{BookID: 2, BookName: "1984", NumOfPages: 328, UniqueReadPages: 10},
		}, nil
	}}
	h := NewBookHandler(&mockReadingService{}, bs)

	w := httptest.NewRecorder()
	h.MostRecommendedFiveBooks(w, httptest.NewRequest(http.MethodGet, "/v1/book/most-recommended-five-books", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if gotN != book.DefaultTopN {
		t.Errorf("n = %d, want %d", gotN, book.DefaultTopN)
	}

	var views []map[string]any
	if err := json.NewDecoder(w.Body).Decode(&views); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("len = %d, want 2", len(views))
	}
	first := views[0]
	if first["book_id"] != float64(1) || first["book_name"] != "The Hobbit" ||
		first["num_of_pages"] != float64(310) || first["num_of_read_pages"] != float64(15) {
		t.Errorf("first = %v", first)
	}
}

func TestBookHandler_MostRecommendedFiveBooks_EmptyIsArray(t *testing.T) {
	bs := &mockBookService{topFn: func(ctx context.Context, n int) ([]model.BookAggregateView, error) {
		return nil, nil
	}}
	h := NewBookHandler(&mockReadingService{}, bs)

	w := httptest.NewRecorder()
	h.MostRecommendedFiveBooks(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if got := strings.TrimSpace(w.Body.String()); got != "[]" {
		t.Errorf("body = %q, want []", got)
	}
}

func TestBookHandler_StoreBook(t *testing.T) {
	var got book.CreateBookInput
	bs := &mockBookService{createFn: func(ctx context.Context, in book.CreateBookInput) (*model.Book, error) {
		got = in
		return &model.Book{ID: 6, Name: in.Name, NumOfPages: in.NumOfPages}, nil
	}}
	h := NewBookHandler(&mockReadingService{}, bs)

	req := httptest.NewRequest(http.MethodPost, "/v1/book/store-book-by-admin-user",
		strings.NewReader(`{"book_name":"Dune","num_of_pages":412}`))
	w := httptest.NewRecorder()
	h.StoreBook(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d (body %s)", w.Code, http.StatusCreated, w.Body.String())
	}
	if got.Name != "Dune" || got.NumOfPages != 412 {
		t.Errorf("input = %+v", got)
	}
}

func TestBookHandler_StoreBook_NameTaken(t *testing.T) {
	bs := &mockBookService{createFn: func(ctx context.Context, in book.CreateBookInput) (*model.Book, error) {
		return nil, model.NewBookNameTakenError(in.Name)
	}}
	h := NewBookHandler(&mockReadingService{}, bs)

	req := httptest.NewRequest(http.MethodPost, "/v1/book/store-book-by-admin-user",
		strings.NewReader(`{"book_name":"1984","num_of_pages":328}`))
	w := httptest.NewRecorder()
	h.StoreBook(w, req)

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", w.Code, http.StatusConflict)
	}
}

func TestBookHandler_StoreBook_PageLimit(t *testing.T) {
	tests := []struct {
		name     string
		pages    string
		wantCode int
	}{
		{"at limit", "100000", http.StatusCreated},
		{"above limit", "100001", http.StatusBadRequest},
		{"max int", "9223372036854775807", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			bs := &mockBookService{createFn: func(ctx context.Context, in book.CreateBookInput) (*model.Book, error) {
				called = true
				return &model.Book{ID: 1, Name: in.Name, NumOfPages: in.NumOfPages}, nil
			}}
			h := NewBookHandler(&mockReadingService{}, bs)

			req := httptest.NewRequest(http.MethodPost, "/v1/book/store-book-by-admin-user",
				strings.NewReader(`{"book_name":"Long","num_of_pages":`+tt.pages+`}`))
			w := httptest.NewRecorder()
			h.StoreBook(w, req)

			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.wantCode, w.Body.String())
			}
			if called != (tt.wantCode == http.StatusCreated) {
				t.Errorf("service called = %v", called)
			}
		})
	}
}

// updateRequest はchiのURLパラメータを設定したリクエストを作る。
func updateRequest(id, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPut, "/v1/book/update-book-by-admin-user/"+id, strings.NewReader(body))
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", id)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestBookHandler_UpdateBook(t *testing.T) {
	var gotID int64
	var got book.UpdateBookInput
	bs := &mockBookService{updateFn: func(ctx context.Context, id int64, in book.UpdateBookInput) (*model.Book, error) {
		gotID, got = id, in
		return &model.Book{ID: id}, nil
	}}
	h := NewBookHandler(&mockReadingService{}, bs)

	w := httptest.NewRecorder()
	h.UpdateBook(w, updateRequest("3", `{"num_of_pages":500}`))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %s)", w.Code, http.StatusOK, w.Body.String())
	}
	if gotID != 3 {
		t.Errorf("id = %d, want 3", gotID)
	}
	if got.Name != nil || got.NumOfPages == nil || *got.NumOfPages != 500 {
		t.Errorf("input = %+v", got)
	}
}

func TestBookHandler_UpdateBook_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		id   string
		body string
	}{
		{"non numeric id", "abc", `{"num_of_pages":10}`},
		{"zero id", "0", `{"num_of_pages":10}`},
		{"no fields", "1", `{}`},
		{"zero pages", "1", `{"num_of_pages":0}`},
		{"pages above limit", "1", `{"num_of_pages":100001}`},
		{"pages at max int", "1", `{"num_of_pages":9223372036854775807}`},
		{"empty name", "1", `{"book_name":""}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bs := &mockBookService{updateFn: func(ctx context.Context, id int64, in book.UpdateBookInput) (*model.Book, error) {
				t.Fatal("service should not be called")
				return nil, nil
			}}
			h := NewBookHandler(&mockReadingService{}, bs)

			w := httptest.NewRecorder()
			h.UpdateBook(w, updateRequest(tt.id, tt.body))

			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
			}
		})
	}
}

func TestBookHandler_UpdateBook_PageCountBelowAggregate(t *testing.T) {
	bs := &mockBookService{updateFn: func(ctx context.Context, id int64, in book.UpdateBookInput) (*model.Book, error) {
		return nil, model.NewPageCountBelowAggregateError(*in.NumOfPages, 40)
	}}
	h := NewBookHandler(&mockReadingService{}, bs)

	w := httptest.NewRecorder()
	h.UpdateBook(w, updateRequest("1", `{"num_of_pages":30}`))

	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnprocessableEntity)
	}
}
