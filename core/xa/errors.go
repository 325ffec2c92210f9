package xa

import (
	"errors"
	"fmt"
)

// Code is an XA return code.
type Code int

const (
	XARBRollback Code = 100 // rolled back, unspecified reason
	XAHeurHaz    Code = 8   // may have been heuristically completed
	XAHeurCom    Code = 7   // heuristically committed
	XAHeurRB     Code = 6   // heuristically rolled back
	XAHeurMix    Code = 5   // partly committed, partly rolled back
	XARetry      Code = 4
	XARDOnly     Code = 3
	XAOK         Code = 0
	XAERAsync    Code = -2
	XAERRMErr    Code = -3 // resource manager error
	XAERNoTA     Code = -4 // xid not known by the resource manager
	XAERInval    Code = -5
	XAERProto    Code = -6
	XAERRMFail   Code = -7 // resource manager unavailable
	XAERDupID    Code = -8
	XAEROutside  Code = -9
)

var codeNames = map[Code]string{
	XARBRollback: "XA_RBROLLBACK",
	XAHeurHaz:    "XA_HEURHAZ",
	XAHeurCom:    "XA_HEURCOM",
	XAHeurRB:     "XA_HEURRB",
	XAHeurMix:    "XA_HEURMIX",
	XARetry:      "XA_RETRY",
	XARDOnly:     "XA_RDONLY",
	XAOK:         "XA_OK",
	XAERAsync:    "XAER_ASYNC",
	XAERRMErr:    "XAER_RMERR",
	XAERNoTA:     "XAER_NOTA",
	XAERInval:    "XAER_INVAL",
	XAERProto:    "XAER_PROTO",
	XAERRMFail:   "XAER_RMFAIL",
	XAERDupID:    "XAER_DUPID",
	XAEROutside:  "XAER_OUTSIDE",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("XA(%d)", int(c))
}

// Error is returned by Resource implementations for XA-level failures.
type Error struct {
	Code Code
	Op   string
	Err  error
}

// NewError builds an *Error for op.
func NewError(code Code, op string, cause error) *Error {
	return &Error{Code: code, Op: op, Err: cause}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("xa %s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("xa %s: %s", e.Op, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf extracts the XA code from err, or XAOK if err carries none.
func CodeOf(err error) Code {
	var xe *Error
	if errors.As(err, &xe) {
		return xe.Code
	}
	return XAOK
}

// IsNoSuchTransaction reports whether the resource manager did not know the xid.
func IsNoSuchTransaction(err error) bool {
	return err != nil && CodeOf(err) == XAERNoTA
}

// IsHeuristic reports whether err signals a heuristic completion.
func IsHeuristic(err error) bool {
	if err == nil {
		return false
	}
	switch CodeOf(err) {
	case XAHeurHaz, XAHeurCom, XAHeurRB, XAHeurMix:
		return true
	}
	return false
}

// IsRollback reports whether err is in the XA_RB* range.
func IsRollback(err error) bool {
	c := CodeOf(err)
	return err != nil && c >= XARBRollback && c <= XARBRollback+7
}
