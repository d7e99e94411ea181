package testutil

// FixedBootIDGenerator returns the same boot id every time.
//
// Golden traces and journal assertions depend on the boot id, so tests pin
// it instead of using time-ordered UUIDs.
//
// Thread-safety: FixedBootIDGenerator is stateless and safe for concurrent use.
type FixedBootIDGenerator struct {
	id string
}

// NewFixedBootIDGenerator creates a generator returning id.
// If id is empty, Generate() returns "test-boot-default".
func NewFixedBootIDGenerator(id string) *FixedBootIDGenerator {
	if id == "" {
		id = "test-boot-default"
	}
	return &FixedBootIDGenerator{id: id}
}

// Generate returns the fixed boot id.
func (g *FixedBootIDGenerator) Generate() string {
	return g.id
}
