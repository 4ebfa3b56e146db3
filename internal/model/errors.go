// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, book, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidRequest          = "INVALID_REQUEST"
	ErrCodeInvalidPageRange        = "INVALID_PAGE_RANGE"
	ErrCodeBookNotFound            = "BOOK_NOT_FOUND"
	ErrCodeUserNotFound            = "USER_NOT_FOUND"
	ErrCodeBookNameTaken           = "BOOK_NAME_TAKEN"
	ErrCodePageCountBelowAggregate = "PAGE_COUNT_BELOW_AGGREGATE"
	ErrCodeInvalidCredentials      = "INVALID_CREDENTIALS"
	ErrCodeUnauthorized            = "UNAUTHORIZED"
	ErrCodeForbidden               = "FORBIDDEN"
	ErrCodeRateLimitExceeded       = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal                = "INTERNAL_ERROR"
)

// NewInvalidRequestError はリクエスト形式が不正な場合のエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewInvalidPageRangeError は読書区間が本のページ範囲に収まらない場合のエラーを生成する。
func NewInvalidPageRangeError(startPage, endPage, totalPages int) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidPageRange,
		Message:  fmt.Sprintf("無効なページ範囲です: %d-%d（総ページ数 %d）", startPage, endPage, totalPages),
		Category: "validation",
		Action:   "開始ページは1以上、終了ページは開始ページ以上かつ総ページ数以下で指定してください。",
	}
}

// NewBookNotFoundError は本が見つからない場合のエラーを生成する。
func NewBookNotFoundError(bookID int64) *APIError {
	return &APIError{
		Code:     ErrCodeBookNotFound,
		Message:  fmt.Sprintf("指定された本が見つかりません: %d", bookID),
		Category: "book",
		Action:   "本のIDを確認してください。",
	}
}

// NewUnknownUserError は読書区間の送信者が存在しない場合のエラーを生成する。
func NewUnknownUserError(userID int64) *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  fmt.Sprintf("指定されたユーザーが見つかりません: %d", userID),
		Category: "validation",
		Action:   "ユーザーIDを確認してください。",
	}
}

// NewUserNotFoundError はログイン中のユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewBookNameTakenError は同名の本が既に登録されている場合のエラーを生成する。
func NewBookNameTakenError(name string) *APIError {
	return &APIError{
		Code:     ErrCodeBookNameTaken,
		Message:  fmt.Sprintf("同じ名前の本が既に登録されています: %s", name),
		Category: "book",
		Action:   "別の名前を指定してください。",
	}
}

// NewPageCountBelowAggregateError は総ページ数を既読の範囲より小さくしようとした場合のエラーを生成する。
// minPagesは既読ページ数と既読ページの最大ページ番号の大きい方。
func NewPageCountBelowAggregateError(numOfPages, minPages int) *APIError {
	return &APIError{
		Code:     ErrCodePageCountBelowAggregate,
		Message:  fmt.Sprintf("総ページ数 %d は既読の範囲（%dページ）より小さくできません。", numOfPages, minPages),
		Category: "book",
		Action:   fmt.Sprintf("%d以上の総ページ数を指定してください。", minPages),
	}
}

// NewInvalidCredentialsError はメールアドレスまたはパスワードが誤っている場合のエラーを生成する。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "メールアドレスまたはパスワードが正しくありません。",
		Category: "auth",
		Action:   "入力内容を確認してもう一度ログインしてください。",
	}
}

// NewUnauthorizedError は認証トークンがない、または無効な場合のエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewForbiddenError は必要なロールを持たない場合のエラーを生成する。
func NewForbiddenError(role string) *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  fmt.Sprintf("この操作には %s 権限が必要です。", role),
		Category: "auth",
		Action:   "管理者に権限の付与を依頼してください。",
	}
}

// NewRateLimitExceededError はレート制限を超えた場合のエラーを生成する。
func NewRateLimitExceededError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimitExceeded,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログにのみ残す。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
