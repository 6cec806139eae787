package schema

// Strategy is the conflict resolution policy applied when replaying an event
// a client queued while offline.
type Strategy int

const (
	// StrategyLastWriteWins accepts the event; a later event with the same
	// key overwrites the derived state.
	StrategyLastWriteWins Strategy = iota
	// StrategyFirstWriteWins rejects the event when the referenced record
	// was already resolved.
	StrategyFirstWriteWins
	// StrategyAppendOnly always accepts; ordering among concurrent senders
	// is server arrival order.
	StrategyAppendOnly
)

func (s Strategy) String() string {
	switch s {
	case StrategyFirstWriteWins:
		return "first-write-wins"
	case StrategyAppendOnly:
		return "append-only"
	default:
		return "last-write-wins"
	}
}

// StrategyFor maps an event to its conflict strategy by category: approvals
// are first-write-wins, chat is append-only, everything else last-write-wins.
func StrategyFor(event string) Strategy {
	switch CategoryOf(event) {
	case CategoryApproval:
		return StrategyFirstWriteWins
	case CategoryChat:
		return StrategyAppendOnly
	case CategoryWorkspace, CategoryProfile, CategoryExecution, CategoryGit,
		CategoryAction, CategoryAidf, CategoryLauncher, CategoryProvider,
		CategoryUnknown:
		return StrategyLastWriteWins
	default:
		return StrategyLastWriteWins
	}
}
