package reservation

// Status は予約の状態を表す
type Status string

const (
	StatusDraft                  Status = "draft"
	StatusOnHold                 Status = "on_hold"
	StatusPendingConfirmation    Status = "pending_confirmation"
	StatusConfirmed              Status = "confirmed"
	StatusCancelled              Status = "cancelled"
	StatusExpired                Status = "expired"
	StatusSystemCancelled        Status = "system_cancelled"
	StatusProcessingFailed       Status = "processing_failed"
	StatusCancellationProcessing Status = "cancellation_processing"
	StatusCancellationProcessed  Status = "cancellation_processed"
	StatusWaitlisted             Status = "waitlisted"
	StatusCancellationRequested  Status = "cancellation_requested"
	StatusAmendmentRequested     Status = "amendment_requested"
	StatusNoShow                 Status = "no_show"
	StatusRejected               Status = "rejected"
)

// Event は状態遷移を引き起こすイベント
type Event string

const (
	EventHold                 Event = "hold"
	EventWaitlist             Event = "waitlist"
	EventSubmitPayment        Event = "submit_payment"
	EventPaymentSucceeded     Event = "payment_succeeded"
	EventPaymentFailed        Event = "payment_failed"
	EventExpire               Event = "expire"
	EventReactivate           Event = "reactivate"
	EventCancel               Event = "cancel"
	EventSystemCancel         Event = "system_cancel"
	EventReject               Event = "reject"
	EventRequestCancellation  Event = "request_cancellation"
	EventProcessCancellation  Event = "process_cancellation"
	EventCompleteCancellation Event = "complete_cancellation"
	EventRequestAmendment     Event = "request_amendment"
	EventApproveAmendment     Event = "approve_amendment"
	EventMarkNoShow           Event = "mark_no_show"
)

var terminalStatuses = map[Status]bool{
	StatusConfirmed:             true,
	StatusCancelled:             true,
	StatusSystemCancelled:       true,
	StatusExpired:               true,
	StatusRejected:              true,
	StatusNoShow:                true,
	StatusCancellationProcessed: true,
}

// transitions は (現在の状態, イベント) から次の状態への表
// ここに無い組み合わせは全て ErrInvalidTransition
var transitions = map[Status]map[Event]Status{
	StatusDraft: {
		EventHold:     StatusOnHold,
		EventWaitlist: StatusWaitlisted,
	},
	StatusWaitlisted: {
		EventHold: StatusOnHold,
	},
	StatusOnHold: {
		EventSubmitPayment: StatusPendingConfirmation,
		EventExpire:        StatusExpired,
	},
	StatusPendingConfirmation: {
		EventPaymentSucceeded: StatusConfirmed,
		EventPaymentFailed:    StatusProcessingFailed,
		EventExpire:           StatusExpired,
	},
	StatusExpired: {
		EventReactivate: StatusOnHold,
	},
	StatusConfirmed: {
		EventRequestCancellation: StatusCancellationRequested,
		EventRequestAmendment:    StatusAmendmentRequested,
		EventMarkNoShow:          StatusNoShow,
	},
	StatusCancellationRequested: {
		EventProcessCancellation: StatusCancellationProcessing,
	},
	StatusCancellationProcessing: {
		EventCompleteCancellation: StatusCancellationProcessed,
	},
	StatusAmendmentRequested: {
		EventApproveAmendment: StatusConfirmed,
	},
}

func init() {
	// 非終端状態からは常に明示キャンセル・システムキャンセルが可能
	for from, events := range transitions {
		if terminalStatuses[from] {
			continue
		}
		events[EventCancel] = StatusCancelled
		events[EventSystemCancel] = StatusSystemCancelled
	}
	transitions[StatusProcessingFailed] = map[Event]Status{
		EventCancel:       StatusCancelled,
		EventSystemCancel: StatusSystemCancelled,
	}
	for _, from := range []Status{StatusDraft, StatusWaitlisted, StatusOnHold, StatusPendingConfirmation} {
		transitions[from][EventReject] = StatusRejected
	}
}

// NextStatus は from に ev を適用した次の状態を返す
func NextStatus(from Status, ev Event) (Status, error) {
	if next, ok := transitions[from][ev]; ok {
		return next, nil
	}
	return "", &TransitionError{From: from, Event: ev}
}

// CanTransition は from で ev が受理されるかを返す
func CanTransition(from Status, ev Event) bool {
	_, err := NextStatus(from, ev)
	return err == nil
}

// IsTerminal は終端状態かを返す
func (s Status) IsTerminal() bool {
	return terminalStatuses[s]
}

// ReleasesCapacity はこの状態に入ったとき呼び出し側が枠を解放すべきかを返す
func ReleasesCapacity(s Status) bool {
	switch s {
	case StatusExpired, StatusCancelled, StatusSystemCancelled,
		StatusProcessingFailed, StatusRejected, StatusCancellationProcessed:
		return true
	}
	return false
}

// HoldsSeat はこの状態の予約が参加者の席を占有しているとみなすかを返す
// 同一ツアー内の国民IDの重複チェックに使う
func (s Status) HoldsSeat() bool {
	switch s {
	case StatusDraft, StatusWaitlisted, StatusOnHold, StatusPendingConfirmation,
		StatusConfirmed, StatusCancellationRequested, StatusAmendmentRequested:
		return true
	}
	return false
}

// ActiveStatuses は HoldsSeat が true となる状態の一覧
func ActiveStatuses() []Status {
	return []Status{
		StatusDraft, StatusWaitlisted, StatusOnHold, StatusPendingConfirmation,
		StatusConfirmed, StatusCancellationRequested, StatusAmendmentRequested,
	}
}
