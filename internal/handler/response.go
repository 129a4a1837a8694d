package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"net/url"

	"github.com/hitoshi/santhai/internal/middleware"
	"github.com/hitoshi/santhai/internal/model"
)

// maxRequestBodySize はJSONリクエストボディの上限（1MiB）。
const maxRequestBodySize = 1 << 20

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// decodeJSON はリクエストボディをJSONとしてdstへデコードする。
// 失敗した場合はエラーレスポンスを書き込んでfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewValidationError("Invalid request body"))
		return false
	}
	return true
}

// decodeForm はapplication/x-www-form-urlencodedまたはmultipart/form-dataのボディを読み取る。
// OAuth2パスワードフローと同じ形式（username, password）のログインで使う。
func decodeForm(w http.ResponseWriter, r *http.Request) (url.Values, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	var err error
	if mediaType == "multipart/form-data" {
		err = r.ParseMultipartForm(maxRequestBodySize)
	} else {
		err = r.ParseForm()
	}
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewValidationError("Invalid form body"))
		return nil, false
	}
	return r.PostForm, true
}

// requireUserID は認証ミドルウェアが注入したユーザーIDを返す。
// 存在しない場合は401を書き込んでfalseを返す。
func requireUserID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return 0, false
	}
	return userID, true
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeValidation,
		model.ErrCodeEmailRegistered,
		model.ErrCodeGoogleAccount,
		model.ErrCodeInvalidOTP,
		model.ErrCodeGoogleNoEmail,
		model.ErrCodeTemplateBadRequest:
		return http.StatusBadRequest
	case model.ErrCodeInvalidCredentials,
		model.ErrCodeInvalidGoogleToken,
		model.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case model.ErrCodeProductForbidden:
		return http.StatusForbidden
	case model.ErrCodeUserNotFound,
		model.ErrCodeProductNotFound,
		model.ErrCodeTemplateNotFound:
		return http.StatusNotFound
	case model.ErrCodeOTPLocked,
		model.ErrCodeOTPCooldown,
		model.ErrCodeUpstreamRateLimit,
		model.ErrCodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case model.ErrCodeGoogleDisabled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
