package enlistment

import "errors"

var (
	ErrEnlistmentFailed          = errors.New("failed to enlist connection in transaction")
	ErrRecoveryInProgress        = errors.New("recovery of resource has not completed")
	ErrHandleClosed              = errors.New("connection handle is closed")
	ErrXAUnsupported             = errors.New("resource does not support XA transactions")
	ErrLocalTransactionsDisabled = errors.New("local transactions are disabled for resource")
	ErrInGlobalTransaction       = errors.New("operation not allowed inside a global transaction")
	ErrBranchShared              = errors.New("branch is shared by other handles")
	ErrBranchDelisted            = errors.New("branch of handle is delisted")
)
