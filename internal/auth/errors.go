package auth

import (
	"errors"
	"fmt"
)

// エラーコード。外部IdPのエラーコード体系に合わせる。
const (
	CodePopupClosedByUser       = "auth/popup-closed-by-user"
	CodePopupBlocked            = "auth/popup-blocked"
	CodeCancelledPopupRequest   = "auth/cancelled-popup-request"
	CodeRedirectCancelledByUser = "auth/redirect-cancelled-by-user"
	CodeNoRedirectResult        = "auth/no-redirect-result"

	CodeNetworkRequestFailed = "auth/network-request-failed"
	CodeInvalidActionCode    = "auth/invalid-action-code"
	CodeExpiredActionCode    = "auth/expired-action-code"
	CodeInvalidEmail         = "auth/invalid-email"
	CodeMissingEmail         = "auth/missing-email"
	CodeInvalidState         = "auth/invalid-state"
	CodeOperationNotAllowed  = "auth/operation-not-allowed"
	CodeEmailDeliveryFailed  = "auth/email-delivery-failed"
	CodeTooManyRequests      = "auth/too-many-requests"
	CodeInternalError        = "auth/internal-error"
)

// silentCodes はユーザー自身による中断を表し、画面に表示しないコード。
var silentCodes = map[string]bool{
	CodePopupClosedByUser:       true,
	CodePopupBlocked:            true,
	CodeCancelledPopupRequest:   true,
	CodeRedirectCancelledByUser: true,
	CodeNoRedirectResult:        true,
}

// messages は表示可能なエラーコードに対応するユーザー向けメッセージ。
var messages = map[string]string{
	CodeNetworkRequestFailed: "We couldn't reach the sign-in service. Check your connection and try again.",
	CodeInvalidActionCode:    "This sign-in link is invalid or has already been used. Request a new one.",
	CodeExpiredActionCode:    "This sign-in link has expired. Request a new one.",
	CodeInvalidEmail:         "Enter a valid email address.",
	CodeMissingEmail:         "Enter the email address the sign-in link was sent to.",
	CodeInvalidState:         "The sign-in request could not be verified. Please try again.",
	CodeOperationNotAllowed:  "This sign-in method is not available.",
	CodeEmailDeliveryFailed:  "We couldn't send the sign-in email. Please try again later.",
	CodeTooManyRequests:      "Too many attempts. Please wait a moment and try again.",
	CodeInternalError:        "Something went wrong while signing you in. Please try again.",
}

// AuthError はサインインフローのエラーを表す。
type AuthError struct {
	Code    string
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// NewAuthError はAuthErrorを生成する。
func NewAuthError(code, message string, err error) *AuthError {
	return &AuthError{Code: code, Message: message, Err: err}
}

// FailureKind はエラーを画面に表示するかどうかの分類。
type FailureKind int

const (
	// FailureSilent はユーザー操作による中断。表示しない。
	FailureSilent FailureKind = iota
	// FailureReportable はユーザーに表示するエラー。
	FailureReportable
)

func (k FailureKind) String() string {
	if k == FailureSilent {
		return "silent"
	}
	return "reportable"
}

// Failure は分類済みのエラー。Kindがsilentの場合Messageは空。
type Failure struct {
	Kind    FailureKind
	Code    string
	Message string
}

// IsSilent はエラーコードが表示不要な中断を表すかを返す。
func IsSilent(code string) bool {
	return silentCodes[code]
}

// CodeOf はエラーからコードを取り出す。AuthErrorでなければinternal-errorとする。
func CodeOf(err error) string {
	var ae *AuthError
	if errors.As(err, &ae) && ae.Code != "" {
		return ae.Code
	}
	return CodeInternalError
}

// Classify はエラーをFailureに変換する。
func Classify(err error) Failure {
	code := CodeOf(err)
	return FailureFromCode(code)
}

// FailureFromCode はエラーコードからFailureを組み立てる。
func FailureFromCode(code string) Failure {
	if IsSilent(code) {
		return Failure{Kind: FailureSilent, Code: code}
	}
	msg := messages[code]
	if msg == "" {
		msg = messages[CodeInternalError]
	}
	return Failure{Kind: FailureReportable, Code: code, Message: msg}
}
