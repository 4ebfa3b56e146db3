// Package handler はHTTPハンドラーとルーティングを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/readtrack/internal/middleware"
	"github.com/hitoshi/readtrack/internal/model"
)

// maxRequestBodyBytes はリクエストボディの上限。
const maxRequestBodyBytes = 1 << 20

// statusResponse は更新系エンドポイントの共通レスポンス。
type statusResponse struct {
	StatusCode   string `json:"status_code"`
	SubmissionID string `json:"submission_id,omitempty"`
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

func writeSuccess(w http.ResponseWriter, statusCode int) {
	writeJSON(w, statusCode, statusResponse{StatusCode: "success"})
}

// decodeAndValidate はJSONボディをdstに読み込み、validateタグで検証する。
// 失敗した場合はINVALID_REQUESTを書き込んでfalseを返す。
func decodeAndValidate(w http.ResponseWriter, r *http.Request, v *requestValidator, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		reason := "JSONの形式が不正です"
		if errors.Is(err, io.EOF) {
			reason = "リクエストボディが空です"
		}
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError(reason))
		return false
	}
	if err := v.Validate(dst); err != nil {
		handleServiceError(w, err)
		return false
	}
	return true
}

// pathID はURLパラメータを正の整数IDとして読み取る。
func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError(name+"は正の整数で指定してください"))
		return 0, false
	}
	return id, true
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeInvalidRequest, model.ErrCodeInvalidPageRange:
		return http.StatusBadRequest
	case model.ErrCodeBookNotFound:
		return http.StatusNotFound
	case model.ErrCodeUserNotFound:
		if apiErr.Category == "auth" {
			return http.StatusNotFound
		}
		return http.StatusBadRequest
	case model.ErrCodeBookNameTaken:
		return http.StatusConflict
	case model.ErrCodePageCountBelowAggregate:
		return http.StatusUnprocessableEntity
	case model.ErrCodeInvalidCredentials, model.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case model.ErrCodeForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
