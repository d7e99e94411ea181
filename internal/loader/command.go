package loader

import "fmt"

// Kind is a loading command type.
type Kind int

const (
	// KindLoad loads one INACTIVE binary.
	KindLoad Kind = iota + 1
	// KindLoadAll loads every registered INACTIVE binary in registration order.
	KindLoadAll
	// KindUpdate unloads a RUNNING binary and loads it again from storage.
	KindUpdate
	// KindReload reloads a FAULT binary on behalf of recovery.
	KindReload
	// KindUnload unloads a RUNNING binary.
	KindUnload

	// kindBarrier does nothing; Sync uses it to wait for earlier commands.
	kindBarrier Kind = -1
)

func (k Kind) String() string {
	switch k {
	case KindLoad:
		return "LOAD"
	case KindLoadAll:
		return "LOAD_ALL"
	case KindUpdate:
		return "UPDATE"
	case KindReload:
		return "RELOAD"
	case KindUnload:
		return "UNLOAD"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Command is one unit of work for the loading coordinator. Index is ignored
// for KindLoadAll.
type Command struct {
	Kind  Kind
	Index int
}

// Load returns a LOAD command.
func Load(index int) Command { return Command{Kind: KindLoad, Index: index} }

// LoadAll returns a LOAD_ALL command.
func LoadAll() Command { return Command{Kind: KindLoadAll, Index: -1} }

// Update returns an UPDATE command.
func Update(index int) Command { return Command{Kind: KindUpdate, Index: index} }

// Reload returns a RELOAD command.
func Reload(index int) Command { return Command{Kind: KindReload, Index: index} }

// Unload returns an UNLOAD command.
func Unload(index int) Command { return Command{Kind: KindUnload, Index: index} }

func (c Command) String() string {
	if c.Kind == KindLoadAll {
		return c.Kind.String()
	}
	return fmt.Sprintf("%s(%d)", c.Kind, c.Index)
}

// Outcome reports the result of a command for one binary. LOAD_ALL produces
// one outcome per binary it attempted.
type Outcome struct {
	Command  Command
	Index    int
	Name     string
	Attempts int
	Err      error
}
