package core

import "strings"

type ResultKind string

const (
	ResultSuccess          ResultKind = "success"
	ResultTransientFailure ResultKind = "transient_failure"
	ResultPermanentFailure ResultKind = "permanent_failure"
)

// Result is what an entity processor hands back to the dispatcher.
type Result struct {
	Kind   ResultKind
	Reason string
	Err    error
}

func Success() Result {
	return Result{Kind: ResultSuccess}
}

func TransientFailure(reason string, err error) Result {
	return Result{Kind: ResultTransientFailure, Reason: strings.TrimSpace(reason), Err: err}
}

func PermanentFailure(reason string, err error) Result {
	return Result{Kind: ResultPermanentFailure, Reason: strings.TrimSpace(reason), Err: err}
}

// ResultFromError classifies err into a processor result.
func ResultFromError(reason string, err error) Result {
	if err == nil {
		return Success()
	}
	if ClassifyError(err) == ErrorClassPermanent {
		return PermanentFailure(reason, err)
	}
	return TransientFailure(reason, err)
}

func (r Result) Succeeded() bool {
	return r.Kind == ResultSuccess
}

func (r Result) Message() string {
	reason := strings.TrimSpace(r.Reason)
	if r.Err == nil {
		return reason
	}
	if reason == "" {
		return r.Err.Error()
	}
	return reason + ": " + r.Err.Error()
}
