package updater

// Outcome is the coarse result of feeding bytes to a Context.
type Outcome int

const (
	NeedMore Outcome = iota
	Done
	Failed
)

func (o Outcome) String() string {
	switch o {
	case NeedMore:
		return "need more"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result reports where an update stands. Code is positive on success,
// negative on failure and zero while in progress.
type Result struct {
	Outcome Outcome
	Code    int
	Message string
	Err     *Error
}

// OK reports a successful finish.
func (r Result) OK() bool {
	return r.Outcome == Done && r.Code > 0
}

func needMore() Result {
	return Result{Outcome: NeedMore}
}

func succeeded(msg string) Result {
	return Result{Outcome: Done, Code: 1, Message: msg}
}

func failed(err *Error) Result {
	code := err.Code
	if code >= 0 {
		code = -1
	}
	return Result{Outcome: Failed, Code: code, Message: err.Error(), Err: err}
}
