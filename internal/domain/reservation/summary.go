package reservation

// PaymentState は参加者ごとの支払い状態
type PaymentState string

const (
	PaymentUnpaid  PaymentState = "unpaid"
	PaymentPartial PaymentState = "partial"
	PaymentPaid    PaymentState = "paid"
)

// PaymentState は参加者の支払い状態を返す
func (p *Participant) PaymentState() PaymentState {
	if p.PaidAmount == nil || *p.PaidAmount <= 0 {
		if p.RequiredAmount == 0 && p.PaidAt != nil {
			return PaymentPaid
		}
		return PaymentUnpaid
	}
	if *p.PaidAmount < p.RequiredAmount {
		return PaymentPartial
	}
	return PaymentPaid
}

// ParticipantPayment は参加者単位の支払い状況
type ParticipantPayment struct {
	ParticipantID  string
	NationalID     string
	Type           ParticipantType
	RequiredAmount int64
	PaidAmount     int64
	State          PaymentState
}

// Summary は参加者集計と料金スナップショット
// 状態機械が枠確保の数量を決めるのにも使う
type Summary struct {
	TotalParticipants int
	MemberCount       int
	GuestCount        int
	RequiredAmount    int64
	PaidAmount        int64
	Payments          []ParticipantPayment
}

// Outstanding は未払い残額を返す
func (s Summary) Outstanding() int64 {
	if s.PaidAmount >= s.RequiredAmount {
		return 0
	}
	return s.RequiredAmount - s.PaidAmount
}

// FullyPaid は全員の支払いが完了しているかを返す
func (s Summary) FullyPaid() bool {
	for _, p := range s.Payments {
		if p.State != PaymentPaid {
			return false
		}
	}
	return len(s.Payments) > 0
}

// Summarize は予約の参加者を集計する
func (r *Reservation) Summarize() Summary {
	s := Summary{Payments: make([]ParticipantPayment, 0, len(r.Participants))}
	for _, p := range r.Participants {
		s.TotalParticipants++
		switch p.Type {
		case ParticipantMember:
			s.MemberCount++
		case ParticipantGuest:
			s.GuestCount++
		}
		s.RequiredAmount += p.RequiredAmount
		var paid int64
		if p.PaidAmount != nil {
			paid = *p.PaidAmount
		}
		s.PaidAmount += paid
		s.Payments = append(s.Payments, ParticipantPayment{
			ParticipantID:  p.ID,
			NationalID:     p.NationalID,
			Type:           p.Type,
			RequiredAmount: p.RequiredAmount,
			PaidAmount:     paid,
			State:          p.PaymentState(),
		})
	}
	return s
}
