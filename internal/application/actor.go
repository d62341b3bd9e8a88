package application

import "github.com/sanosuguru/go-tour-reservation/internal/domain/reservation"

// Actor は操作を行う利用者。認証ミドルウェアが作成し各操作に明示的に渡す
type Actor struct {
	UserID  string
	IsAdmin bool
}

// SystemActor はバックグラウンド処理用の操作者
var SystemActor = Actor{UserID: "system", IsAdmin: true}

func (a Actor) canAccess(r *reservation.Reservation) bool {
	return a.IsAdmin || r.IsOwnedBy(a.UserID)
}
