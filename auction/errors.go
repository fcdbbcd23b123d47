package auction

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// 核心服務回傳的錯誤分類，由API層轉換成對應的HTTP狀態碼。
// 所有前置條件失敗都在任何持久化寫入之前回報給呼叫者。
var (
	// ErrNotFound 實體不存在，或呼叫者沒有存取權限
	ErrNotFound = errors.New("not found")
	// ErrForbidden 已驗證的呼叫者執行了不被允許的操作
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidState 操作在目前生命週期狀態下不合法
	ErrInvalidState = errors.New("invalid state")
	// ErrInvalidArgument 請求內容不合法
	ErrInvalidArgument = errors.New("invalid argument")
)

// InvalidBidError 表示出價金額低於最低可接受金額
// 帶有計算後的最低金額，讓呼叫者不需要再次查詢就能修正出價。
type InvalidBidError struct {
	Minimum decimal.Decimal
}

func (e *InvalidBidError) Error() string {
	return fmt.Sprintf("bid must be at least %s", e.Minimum.String())
}

// AsInvalidBid 從錯誤鏈中取出InvalidBidError
func AsInvalidBid(err error) (*InvalidBidError, bool) {
	var invalidBid *InvalidBidError
	if errors.As(err, &invalidBid) {
		return invalidBid, true
	}
	return nil, false
}
