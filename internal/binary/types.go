package binary

import "fmt"

const (
	// CommonLibraryIndex is the reserved slot of the shared common library.
	CommonLibraryIndex = 0

	// NoBinID marks a slot whose binary is not running.
	NoBinID = -1

	// NameMax is the longest accepted binary name, in bytes.
	NameMax = 15

	// KernelName is the name recorded by the first kernel partition registration.
	KernelName = "kernel"

	// DefaultKernelVersion is used when no kernel version is configured.
	DefaultKernelVersion = "2.0"
)

// RuntimeType classifies a user binary for scheduling.
type RuntimeType uint8

const (
	RuntimeRealtime RuntimeType = iota
	RuntimeNonRealtime
)

func (t RuntimeType) String() string {
	switch t {
	case RuntimeRealtime:
		return "REALTIME"
	case RuntimeNonRealtime:
		return "NONREALTIME"
	default:
		return fmt.Sprintf("RuntimeType(%d)", uint8(t))
	}
}

// ParseRuntimeType accepts "realtime" and "nonrealtime" in either case.
// The empty string maps to RuntimeNonRealtime.
func ParseRuntimeType(s string) (RuntimeType, error) {
	switch s {
	case "", "nonrealtime", "NONREALTIME":
		return RuntimeNonRealtime, nil
	case "realtime", "REALTIME":
		return RuntimeRealtime, nil
	default:
		return 0, fmt.Errorf("unknown runtime type %q", s)
	}
}

// Compression identifies how the binary is stored on media.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionLZMA
	CompressionMiniz
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZMA:
		return "lzma"
	case CompressionMiniz:
		return "miniz"
	default:
		return fmt.Sprintf("Compression(%d)", uint8(c))
	}
}

// ParseCompression is the inverse of Compression.String. The empty string is
// CompressionNone.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "", "none":
		return CompressionNone, nil
	case "lzma":
		return CompressionLZMA, nil
	case "miniz":
		return CompressionMiniz, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", s)
	}
}

// LoadAttributes are passed through untouched to the loader.
type LoadAttributes struct {
	Name        string
	BinSize     uint32
	RAMSize     uint32
	Offset      uint32
	StackSize   uint32
	Priority    uint8
	Compression Compression
}

// Subscription is one task's interest in state changes of a slot.
type Subscription struct {
	PID        int
	Descriptor any
}

// Slot is a snapshot of one registry entry.
type Slot struct {
	Index         int
	BinID         int
	State         State
	RuntimeType   RuntimeType
	FaultCount    int
	Attrs         LoadAttributes
	Version       string
	KernelVersion string
	Callbacks     []Subscription
}

// Name is shorthand for s.Attrs.Name.
func (s Slot) Name() string { return s.Attrs.Name }

// Running reports whether the slot currently holds a bin id.
func (s Slot) Running() bool { return s.BinID != NoBinID }

// Partition is one flash partition holding part of the kernel image.
type Partition struct {
	Number int
	Size   int
}

// KernelInfo describes the kernel image.
type KernelInfo struct {
	Name       string
	Version    string
	InUseIndex int
	Partitions []Partition
}

// FaultReport names a crashed task. The owning binary is resolved by the
// recovery coordinator.
type FaultReport struct {
	PID int
}

// ValidateName checks a binary name for registration.
func ValidateName(name string) error {
	if name == "" {
		return Errorf(CodeInvalidArgument, "binary name is empty")
	}
	if len(name) > NameMax {
		return Errorf(CodeInvalidArgument, "binary name %q exceeds %d bytes", name, NameMax)
	}
	return nil
}
