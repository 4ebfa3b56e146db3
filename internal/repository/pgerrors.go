package repository

import (
	"errors"
	"strings"

	"github.com/lib/pq"
)

// PostgreSQLのSQLSTATE
const (
	pgUniqueViolation      = "23505"
	pgForeignKeyViolation  = "23503"
	pgCheckViolation       = "23514"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
	pgQueryCanceled        = "57014"
	pgAdminShutdown        = "57P01"
	pgCannotConnectNow     = "57P03"
)

func pqCode(err error) (pq.ErrorCode, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code, true
	}
	return "", false
}

// IsUniqueViolation は一意制約違反かを返す。
func IsUniqueViolation(err error) bool {
	code, ok := pqCode(err)
	return ok && code == pgUniqueViolation
}

// IsForeignKeyViolation は外部キー制約違反かを返す。
// 集計中にユーザーや本が削除された場合に発生する。
func IsForeignKeyViolation(err error) bool {
	code, ok := pqCode(err)
	return ok && code == pgForeignKeyViolation
}

// IsCheckViolation はCHECK制約違反かを返す。
func IsCheckViolation(err error) bool {
	code, ok := pqCode(err)
	return ok && code == pgCheckViolation
}

// IsLockNotAvailable はlock_timeoutによるロック待ち打ち切りかを返す。
func IsLockNotAvailable(err error) bool {
	code, ok := pqCode(err)
	return ok && code == pgLockNotAvailable
}

// IsRetryable はリトライで解消しうるDBエラーかを返す。
// ロック待ち打ち切り、シリアライズ失敗、デッドロック、接続系エラー（クラス08）を対象とする。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	code, ok := pqCode(err)
	if ok {
		switch code {
		case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable,
			pgQueryCanceled, pgAdminShutdown, pgCannotConnectNow:
			return true
		}
		return code.Class() == "08"
	}
	if errors.Is(err, pq.ErrSSLNotSupported) {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "bad connection") ||
		strings.Contains(msg, "connection reset")
}
