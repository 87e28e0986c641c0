// Package algorithm defines the Algorithm contract every rate-limiting
// strategy implements, plus the small codec helpers subpackages use to
// round-trip their state through storage.Entry.Payload.
package algorithm

import (
	"context"
	"encoding/json"

	"ratelimitcore/decision"
	"ratelimitcore/errs"
	"ratelimitcore/quota"
	"ratelimitcore/storage"
)

// Algorithm is a pure state-transition over a storage.Entry that yields a
// Decision. CheckAndRecord commits the transition; Check previews it
// without mutating storage. Cost is signed: positive consumes budget,
// negative (a Policy refund) restores it, clamped so capacities are never
// violated.
type Algorithm interface {
	Name() string
	CheckAndRecord(ctx context.Context, store storage.Store, key string, q quota.Quota, cost int64) (decision.Decision, error)
	Check(ctx context.Context, store storage.Store, key string, q quota.Quota) (decision.Decision, error)
	// Reset deletes key's entry, equivalent to treating the next request as
	// first access.
	Reset(ctx context.Context, store storage.Store, key string) error
}

// DecodeState JSON-decodes entry's payload into dst, validating the version
// tag. A nil entry yields the zero value with ok=false ("no prior state").
// An unknown version is reported as errs.Corrupt, per the persisted entry
// format's forward-compatibility rule: unknown fields are ignored, unknown
// versions are not.
func DecodeState(entry *storage.Entry, wantVersion int, op string, dst any) (ok bool, err error) {
	if entry == nil {
		return false, nil
	}
	if entry.Version != wantVersion {
		return false, errs.New(errs.Corrupt, op, errUnknownVersion(entry.Version))
	}
	if err := json.Unmarshal(entry.Payload, dst); err != nil {
		return false, errs.New(errs.Corrupt, op, err)
	}
	return true, nil
}

// EncodeState JSON-encodes src into a fresh storage.Entry at version.
func EncodeState(version int, src any) (*storage.Entry, error) {
	payload, err := json.Marshal(src)
	if err != nil {
		return nil, errs.New(errs.Internal, "algorithm.EncodeState", err)
	}
	return &storage.Entry{Version: version, Payload: payload}, nil
}

type errUnknownVersion int

func (e errUnknownVersion) Error() string {
	return "unknown storage entry version"
}
