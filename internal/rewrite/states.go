package rewrite

import "fmt"

type state int

const (
	stateSelectStrategy state = iota
	stateInvoke
	stateQualityCheck
	stateOptimizeRetry
	stateEscalate
	stateAccept
	stateFail
	stateDone
)

var stateNames = [...]string{
	stateSelectStrategy: "select_strategy",
	stateInvoke:         "invoke",
	stateQualityCheck:   "quality_check",
	stateOptimizeRetry:  "optimize_retry",
	stateEscalate:       "escalate",
	stateAccept:         "accept",
	stateFail:           "fail",
	stateDone:           "done",
}

func (s state) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// transitions is the complete set of legal moves. Invoke may loop to itself
// for a same-tier retry or a forced move to the budget tier. Accept is
// reachable from failure paths only when an earlier candidate is held.
var transitions = map[state][]state{
	stateSelectStrategy: {stateInvoke},
	stateInvoke:         {stateQualityCheck, stateAccept, stateInvoke, stateEscalate, stateFail},
	stateQualityCheck:   {stateAccept, stateOptimizeRetry},
	stateOptimizeRetry:  {stateSelectStrategy},
	stateEscalate:       {stateInvoke, stateAccept, stateFail},
	stateAccept:         {stateDone},
	stateFail:           {stateDone},
}

func canTransition(from, to state) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
