package dialgroup

import (
	"context"
	"errors"
	"time"
)

// ErrVersionConflict is returned by SaveGroup when the stored group changed
// since it was read. Callers re-read and re-apply their mutation.
var ErrVersionConflict = errors.New("dialgroup: group version conflict")

// Store is the TTL-bounded shared state behind the coordinator. Three logical
// maps, each independently expiring: group blobs, leg→group reverse mappings,
// and the winner election record.
//
// SetWinnerIfAbsent is the one atomicity contract that matters: it must
// behave as a single atomic test-and-set across all concurrent callers,
// process-local or distributed. Every other method may be eventually
// consistent.
//
// Group reads never return partial state; absent or expired entries read as
// nil/empty without error.
type Store interface {
	// SaveGroup persists the group with the given TTL. The write succeeds
	// only if the stored version still equals g.Version (or the group does
	// not exist and g.Version is zero); on success g.Version is advanced.
	// A losing write returns ErrVersionConflict.
	SaveGroup(ctx context.Context, g *DialGroup, ttl time.Duration) error

	// GetGroup returns the group or (nil, nil) when absent or expired.
	GetGroup(ctx context.Context, groupID string) (*DialGroup, error)

	SetCallMapping(ctx context.Context, legID, groupID string, ttl time.Duration) error

	// GetCallMapping returns "" when the mapping is absent or expired.
	GetCallMapping(ctx context.Context, legID string) (string, error)

	// SetWinnerIfAbsent atomically records legID as the group's winner if no
	// non-expired winner exists, returning true. Otherwise the existing
	// winner is left untouched and false is returned.
	SetWinnerIfAbsent(ctx context.Context, groupID, legID string, ttl time.Duration) (bool, error)

	// GetWinner returns "" when no winner is recorded.
	GetWinner(ctx context.Context, groupID string) (string, error)

	DeleteGroup(ctx context.Context, groupID string) error
}
