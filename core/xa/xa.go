// Package xa defines the X/Open XA vocabulary shared by the pool, the
// enlistment interceptor and the recovery coordinator: transaction branch
// identifiers, flags, return codes and the resource-manager contract.
package xa

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// Flags are passed to Start, End and Recover.
type Flags int

const (
	TMNoFlags    Flags = 0x00000000
	TMJoin       Flags = 0x00200000
	TMEndRScan   Flags = 0x00800000
	TMStartRScan Flags = 0x01000000
	TMSuspend    Flags = 0x02000000
	TMSuccess    Flags = 0x04000000
	TMResume     Flags = 0x08000000
	TMFail       Flags = 0x20000000
	TMOnePhase   Flags = 0x40000000
)

// Has reports whether every bit of other is set in f.
func (f Flags) Has(other Flags) bool {
	return other != 0 && f&other == other
}

// DefaultFormatID tags branches created by this module's reference manager.
const DefaultFormatID int32 = 0x5458 // "TX"

// Xid identifies one branch of a global transaction.
type Xid struct {
	FormatID        int32
	GlobalID        []byte
	BranchQualifier []byte
}

// NewXid builds an Xid from copies of the given identifiers.
func NewXid(formatID int32, gtrid, bqual []byte) Xid {
	return Xid{
		FormatID:        formatID,
		GlobalID:        append([]byte(nil), gtrid...),
		BranchQualifier: append([]byte(nil), bqual...),
	}
}

// NewGlobalID returns a fresh random global transaction identifier.
func NewGlobalID() []byte {
	id := uuid.New()
	return id[:]
}

// IsZero reports whether the Xid is empty.
func (x Xid) IsZero() bool {
	return len(x.GlobalID) == 0 && len(x.BranchQualifier) == 0
}

// Equal compares two Xids by value.
func (x Xid) Equal(o Xid) bool {
	return x.FormatID == o.FormatID &&
		bytes.Equal(x.GlobalID, o.GlobalID) &&
		bytes.Equal(x.BranchQualifier, o.BranchQualifier)
}

// Key returns a string usable as a map key.
func (x Xid) Key() string {
	return fmt.Sprintf("%d:%s:%s", x.FormatID, hex.EncodeToString(x.GlobalID), hex.EncodeToString(x.BranchQualifier))
}

func (x Xid) String() string {
	return fmt.Sprintf("Xid{fmt=%d,gtrid=%x,bqual=%x}", x.FormatID, x.GlobalID, x.BranchQualifier)
}

// Vote is the outcome of Prepare.
type Vote int

const (
	// VoteCommit means the branch is prepared and must be completed.
	VoteCommit Vote = iota
	// VoteReadOnly means the branch did no work and is already complete.
	VoteReadOnly
)

// Resource is the resource-manager side of XA, bound to one physical connection.
type Resource interface {
	Start(ctx context.Context, xid Xid, flags Flags) error
	End(ctx context.Context, xid Xid, flags Flags) error
	Prepare(ctx context.Context, xid Xid) (Vote, error)
	Commit(ctx context.Context, xid Xid, onePhase bool) error
	Rollback(ctx context.Context, xid Xid) error
	Forget(ctx context.Context, xid Xid) error
	// Recover returns in-doubt branches. Scans are bracketed by TMStartRScan
	// and TMEndRScan; a resource that returns everything at once accepts both
	// flags in a single call.
	Recover(ctx context.Context, flags Flags) ([]Xid, error)
	// IsSameRM reports whether other talks to the same resource manager.
	IsSameRM(other Resource) bool
}
