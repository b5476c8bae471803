package records

// State is the lifecycle state of a stream.
type State string

const (
	KStateUnknown       State = "UNKNOWN"
	KStateCreating      State = "CREATING"
	KStateActive        State = "ACTIVE"
	KStateUpdating      State = "UPDATING"
	KStateScaling       State = "SCALING"
	KStateCommittingTxn State = "COMMITTING_TXN"
	KStateTruncating    State = "TRUNCATING"
	KStateSealing       State = "SEALING"
	KStateSealed        State = "SEALED"
)

var kAllowedTransitions = map[State][]State{
	KStateUnknown:       {KStateUnknown, KStateCreating},
	KStateCreating:      {KStateCreating, KStateActive},
	KStateActive:        {KStateActive, KStateScaling, KStateTruncating, KStateCommittingTxn, KStateSealing, KStateUpdating},
	KStateScaling:       {KStateScaling, KStateActive},
	KStateCommittingTxn: {KStateCommittingTxn, KStateActive},
	KStateTruncating:    {KStateTruncating, KStateActive},
	KStateUpdating:      {KStateUpdating, KStateActive},
	KStateSealing:       {KStateSealing, KStateSealed},
	KStateSealed:        {KStateSealed},
}

// IsTransitionAllowed returns true if a stream in state from may move to state to.
func IsTransitionAllowed(from State, to State) bool {
	for _, allowed := range kAllowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func (s State) IsValid() bool {
	_, ok := kAllowedTransitions[s]
	return ok
}

// TxnStatus is the lifecycle state of a transaction.
type TxnStatus string

const (
	KTxnUnknown    TxnStatus = "UNKNOWN"
	KTxnOpen       TxnStatus = "OPEN"
	KTxnCommitting TxnStatus = "COMMITTING"
	KTxnCommitted  TxnStatus = "COMMITTED"
	KTxnAborting   TxnStatus = "ABORTING"
	KTxnAborted    TxnStatus = "ABORTED"
)

// IsTerminal returns true for COMMITTED and ABORTED.
func (ts TxnStatus) IsTerminal() bool {
	return ts == KTxnCommitted || ts == KTxnAborted
}
