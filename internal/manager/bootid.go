package manager

import "github.com/google/uuid"

// BootIDGenerator names a boot. Journal rows are keyed by the boot id.
type BootIDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 boot ids, so journal
// boots sort by creation time.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate returns a new hyphenated UUIDv7.
//
// Panics if UUID generation fails (should never happen in practice).
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}
