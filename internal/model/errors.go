// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, menu, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthorized   = "UNAUTHORIZED"
	ErrCodeInvalidDay     = "INVALID_DAY"
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeAvatarNotFound = "AVATAR_NOT_FOUND"
	ErrCodeAvatarBlocked  = "AVATAR_BLOCKED"
	ErrCodeRateLimited    = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal       = "INTERNAL_ERROR"
)

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "Sign-in is required.",
		Category: "auth",
		Action:   "Sign in and try again.",
	}
}

// NewInvalidDayError は曜日指定が不正な場合のエラーを生成する。
func NewInvalidDayError(day string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidDay,
		Message:  fmt.Sprintf("Unknown day: %s", day),
		Category: "validation",
		Action:   "Use a weekday name such as monday or sunday.",
	}
}

// NewInvalidRequestError はリクエスト本文を解釈できない場合のエラーを生成する。
func NewInvalidRequestError(detail string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  detail,
		Category: "validation",
		Action:   "Reload the page and try again.",
	}
}

// NewAvatarNotFoundError はアバター画像が存在しない場合のエラーを生成する。
func NewAvatarNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeAvatarNotFound,
		Message:  "No avatar is available for this account.",
		Category: "auth",
		Action:   "Nothing to do; the default avatar is shown.",
	}
}

// NewAvatarBlockedError はアバターURLがセキュリティポリシーで拒否された場合のエラーを生成する。
func NewAvatarBlockedError() *APIError {
	return &APIError{
		Code:     ErrCodeAvatarBlocked,
		Message:  "The avatar URL was blocked by the security policy.",
		Category: "validation",
		Action:   "Update the avatar with your identity provider.",
	}
}

// NewRateLimitedError はレート制限を超えた場合のエラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "Too many requests. Please try again later.",
		Category: "system",
		Action:   "Please wait and retry after the specified time.",
	}
}

// NewInternalError は内部エラーを生成する。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "Something went wrong on our side.",
		Category: "system",
		Action:   "Please wait a moment and try again.",
	}
}
