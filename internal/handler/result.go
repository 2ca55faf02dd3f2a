package handler

import "fmt"

// State is an opaque, caller-defined conversation state token.
type State string

// ResultKind discriminates handler results.
type ResultKind int

const (
	// ResultContinue carries no transition signal.
	ResultContinue ResultKind = iota
	// ResultNext moves the conversation to a new state.
	ResultNext
	// ResultTerminate ends the active conversation.
	ResultTerminate
)

func (k ResultKind) String() string {
	switch k {
	case ResultNext:
		return "next"
	case ResultTerminate:
		return "terminate"
	default:
		return "continue"
	}
}

// Result is what a handler action returns. Termination is a separate tag, so no
// state token can be mistaken for it.
type Result struct {
	kind  ResultKind
	state State
}

// Continue returns a result with no transition.
func Continue() Result { return Result{kind: ResultContinue} }

// Next returns a transition to state. An empty state is treated as Continue.
func Next(state State) Result {
	if state == "" {
		return Continue()
	}
	return Result{kind: ResultNext, state: state}
}

// Terminate ends the conversation for the current identity.
func Terminate() Result { return Result{kind: ResultTerminate} }

// Kind returns the result tag.
func (r Result) Kind() ResultKind { return r.kind }

// State returns the next state for ResultNext results.
func (r Result) State() (State, bool) {
	if r.kind != ResultNext {
		return "", false
	}
	return r.state, true
}

// IsTerminate reports whether the result ends the conversation.
func (r Result) IsTerminate() bool { return r.kind == ResultTerminate }

func (r Result) String() string {
	if r.kind == ResultNext {
		return fmt.Sprintf("next(%s)", r.state)
	}
	return r.kind.String()
}
