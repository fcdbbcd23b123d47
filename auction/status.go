package auction

import (
	"fmt"

	"gavel/models"
)

// 拍賣狀態機: pending → active → ended → {sold, cancelled}
// sold與cancelled是終點狀態，沒有任何轉換可以離開終點狀態，
// 也沒有任何轉換可以回到pending或active。
// cancelled另外可以由管理者在pending或active時直接觸發。
var transitions = map[models.AuctionStatus][]models.AuctionStatus{
	models.AuctionPending: {models.AuctionActive, models.AuctionCancelled},
	models.AuctionActive:  {models.AuctionEnded, models.AuctionCancelled},
	models.AuctionEnded:   {models.AuctionSold, models.AuctionCancelled},
}

// CanTransition 檢查狀態機是否允許從from轉換到to
func CanTransition(from, to models.AuctionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal 檢查狀態是否為終點狀態
func IsTerminal(status models.AuctionStatus) bool {
	return status == models.AuctionSold || status == models.AuctionCancelled
}

// Transition 驗證並回傳目標狀態，違反狀態機時回傳ErrInvalidState
func Transition(from, to models.AuctionStatus) (models.AuctionStatus, error) {
	if !CanTransition(from, to) {
		return from, fmt.Errorf("%w: cannot transition auction from %s to %s", ErrInvalidState, from, to)
	}
	return to, nil
}
