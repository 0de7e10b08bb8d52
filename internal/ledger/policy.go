package ledger

// ChargePolicy decides when a job's credit cost is taken. The three hooks
// return the signed credit delta to apply at each point; the state machine
// calling them is identical for every policy.
type ChargePolicy interface {
	// OnEnqueue is applied when the job is created.
	OnEnqueue(cost int64) int64
	// OnSuccess is applied when the job settles as completed.
	OnSuccess(cost int64) int64
	// OnFailure is applied when the job settles as failed.
	OnFailure(cost int64) int64
}

// ReserveOnCreate debits the full cost at enqueue and refunds it when the
// job fails. This is the platform's live behavior.
type ReserveOnCreate struct{}

func (ReserveOnCreate) OnEnqueue(cost int64) int64 { return -cost }
func (ReserveOnCreate) OnSuccess(cost int64) int64 { return 0 }
func (ReserveOnCreate) OnFailure(cost int64) int64 { return cost }

// ChargeOnSuccess takes nothing up front and debits only when the job
// completes. Kept wired-ready pending a product decision on charge timing.
type ChargeOnSuccess struct{}

func (ChargeOnSuccess) OnEnqueue(cost int64) int64 { return 0 }
func (ChargeOnSuccess) OnSuccess(cost int64) int64 { return -cost }
func (ChargeOnSuccess) OnFailure(cost int64) int64 { return 0 }

var (
	_ ChargePolicy = ReserveOnCreate{}
	_ ChargePolicy = ChargeOnSuccess{}
)
