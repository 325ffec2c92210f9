package xa

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedGID is returned by ParseGID for strings FormatGID did not produce.
var ErrMalformedGID = errors.New("malformed transaction gid")

// MaxGIDLength is the longest gid PostgreSQL accepts for PREPARE TRANSACTION.
const MaxGIDLength = 200

var gidEncoding = base64.RawStdEncoding

// FormatGID renders an Xid as a printable string, "<format>_<gtrid>_<bqual>"
// with both identifiers in unpadded standard base64.
func FormatGID(x Xid) string {
	return fmt.Sprintf("%d_%s_%s", x.FormatID,
		gidEncoding.EncodeToString(x.GlobalID),
		gidEncoding.EncodeToString(x.BranchQualifier))
}

// ParseGID is the inverse of FormatGID.
func ParseGID(s string) (Xid, error) {
	parts := strings.Split(s, "_")
	if len(parts) != 3 {
		return Xid{}, fmt.Errorf("%w: %q", ErrMalformedGID, s)
	}
	formatID, err := strconv.ParseInt(parts[0], 10, 32)
	if err != nil {
		return Xid{}, fmt.Errorf("%w: %q: %v", ErrMalformedGID, s, err)
	}
	gtrid, err := gidEncoding.DecodeString(parts[1])
	if err != nil {
		return Xid{}, fmt.Errorf("%w: %q: %v", ErrMalformedGID, s, err)
	}
	bqual, err := gidEncoding.DecodeString(parts[2])
	if err != nil {
		return Xid{}, fmt.Errorf("%w: %q: %v", ErrMalformedGID, s, err)
	}
	if len(gtrid) == 0 {
		return Xid{}, fmt.Errorf("%w: %q: empty global id", ErrMalformedGID, s)
	}
	return Xid{FormatID: int32(formatID), GlobalID: gtrid, BranchQualifier: bqual}, nil
}
