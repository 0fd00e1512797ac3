// Package errors 提供房間信令服務的錯誤分類
//
// 所有對外回報的錯誤都是 *AppError，帶有字串錯誤碼與數字狀態碼。
// Gateway 與 HTTP 層只依賴這裡的分類，不直接判斷底層錯誤（如 redis.Nil）。
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// 定義錯誤碼
const (
	// ErrCodeNotFound 房間或連線不存在
	ErrCodeNotFound = "NOT_FOUND"
	// ErrCodePermissionDenied 非房主執行房主操作
	ErrCodePermissionDenied = "PERMISSION_DENIED"
	// ErrCodeCapacityExceeded 加入或縮編會違反人數上限
	ErrCodeCapacityExceeded = "CAPACITY_EXCEEDED"
	// ErrCodeStoreUnavailable 後端儲存無法連線
	ErrCodeStoreUnavailable = "STORE_UNAVAILABLE"
	// ErrCodeMalformed 事件內容缺少必要欄位
	ErrCodeMalformed = "MALFORMED"
	// ErrCodeRateLimited 事件頻率超限
	ErrCodeRateLimited = "RATE_LIMITED"
	// ErrCodeUnauthorized 缺少或錯誤的管理 token
	ErrCodeUnauthorized = "UNAUTHORIZED"
	// ErrCodeUpstream 上游服務失敗
	ErrCodeUpstream = "UPSTREAM_FAILURE"
	// ErrCodeInternal 內部錯誤
	ErrCodeInternal = "INTERNAL_ERROR"
)

// statusByCode 錯誤碼對應的數字狀態碼（沿用 HTTP 語意）
var statusByCode = map[string]int{
	ErrCodeNotFound:         http.StatusNotFound,
	ErrCodePermissionDenied: http.StatusForbidden,
	ErrCodeCapacityExceeded: http.StatusConflict,
	ErrCodeStoreUnavailable: http.StatusServiceUnavailable,
	ErrCodeMalformed:        http.StatusBadRequest,
	ErrCodeRateLimited:      http.StatusTooManyRequests,
	ErrCodeUnauthorized:     http.StatusUnauthorized,
	ErrCodeUpstream:         http.StatusBadGateway,
	ErrCodeInternal:         http.StatusInternalServerError,
}

// genericMessages 正式環境下取代內部細節的通用訊息
var genericMessages = map[string]string{
	ErrCodeNotFound:         "Not Found",
	ErrCodePermissionDenied: "Permission denied",
	ErrCodeCapacityExceeded: "Room is full",
	ErrCodeStoreUnavailable: "Service temporarily unavailable",
	ErrCodeMalformed:        "Bad request",
	ErrCodeRateLimited:      "Too many requests",
	ErrCodeUnauthorized:     "Unauthorized",
	ErrCodeUpstream:         "Something went wrong",
	ErrCodeInternal:         "Something went wrong",
}

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Status  int    `json:"status"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 實現 errors.Is（以錯誤碼比對）
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Status:  StatusOf(code),
		Message: message,
	}
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Status:  StatusOf(code),
		Message: message,
		Err:     err,
	}
}

// WithDetails 回傳帶有詳細資訊的副本
//
// 預定義錯誤是共用的，不能原地修改。
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// WithCause 回傳包裝了底層錯誤的副本
func (e *AppError) WithCause(err error) *AppError {
	cp := *e
	cp.Err = err
	return &cp
}

// StatusOf 回傳錯誤碼的數字狀態碼，未知錯誤碼視為內部錯誤
func StatusOf(code string) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// 預定義錯誤
var (
	// ErrRoomNotFound 房間不存在
	ErrRoomNotFound = New(ErrCodeNotFound, "room not found")

	// ErrPlayerNotFound 目標連線不存在
	ErrPlayerNotFound = New(ErrCodeNotFound, "player not found")

	// ErrNotHost 非房主
	ErrNotHost = New(ErrCodePermissionDenied, "only the host can do this")

	// ErrRoomFull 房間已滿
	ErrRoomFull = New(ErrCodeCapacityExceeded, "room is full")

	// ErrCapacityBelowMembers 新上限低於目前人數
	ErrCapacityBelowMembers = New(ErrCodeCapacityExceeded, "max players is below current member count")

	// ErrStoreUnavailable 後端儲存不可用
	ErrStoreUnavailable = New(ErrCodeStoreUnavailable, "room store unavailable")

	// ErrMalformed 事件格式錯誤
	ErrMalformed = New(ErrCodeMalformed, "malformed payload")

	// ErrRateLimited 事件頻率超限
	ErrRateLimited = New(ErrCodeRateLimited, "rate limit exceeded")

	// ErrUnauthorized 管理操作未授權
	ErrUnauthorized = New(ErrCodeUnauthorized, "missing or invalid admin token")
)

// As 取出錯誤鏈中的 *AppError，非 AppError 一律包成內部錯誤
func As(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return Wrap(err, ErrCodeInternal, "internal error")
}

// Public 產生傳給客戶端的狀態碼與訊息
//
// production 為 true 時只回傳通用訊息，不洩漏內部細節。
func Public(err error, production bool) (int, string) {
	appErr := As(err)
	if production {
		msg, ok := genericMessages[appErr.Code]
		if !ok {
			msg = genericMessages[ErrCodeInternal]
		}
		return appErr.Status, msg
	}
	if appErr.Details != "" {
		return appErr.Status, appErr.Message + ": " + appErr.Details
	}
	if appErr.Err != nil && appErr.Code == ErrCodeInternal {
		return appErr.Status, appErr.Err.Error()
	}
	return appErr.Status, appErr.Message
}

func hasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsNotFound 檢查是否為未找到錯誤
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound)
}

// IsPermissionDenied 檢查是否為權限錯誤
func IsPermissionDenied(err error) bool {
	return hasCode(err, ErrCodePermissionDenied)
}

// IsCapacityExceeded 檢查是否為人數上限錯誤
func IsCapacityExceeded(err error) bool {
	return hasCode(err, ErrCodeCapacityExceeded)
}

// IsStoreUnavailable 檢查是否為儲存不可用錯誤
func IsStoreUnavailable(err error) bool {
	return hasCode(err, ErrCodeStoreUnavailable)
}

// IsMalformed 檢查是否為格式錯誤
func IsMalformed(err error) bool {
	return hasCode(err, ErrCodeMalformed)
}
