package registry

import (
	"log/slog"
	"sync"

	"github.com/roach88/binmgr/internal/binary"
)

// Registration describes a binary found on storage.
type Registration struct {
	Attrs         binary.LoadAttributes
	RuntimeType   binary.RuntimeType
	Version       string
	KernelVersion string
}

// Change is an accepted state transition.
//
// Subscribers is the callback list of the slot at the moment of the
// transition, in subscription order.
type Change struct {
	Seq         int64
	Index       int
	Name        string
	From        binary.State
	To          binary.State
	Subscribers []binary.Subscription
}

type slot struct {
	registered bool
	binID      int
	state      binary.State
	rtType     binary.RuntimeType
	faultCount int
	attrs      binary.LoadAttributes
	version    string
	kernelVer  string
	callbacks  []binary.Subscription
}

// Registry is the binary table.
type Registry struct {
	mu sync.RWMutex

	// slots[0] is the common library; slots[1:] are user binaries in
	// registration order. len(slots)-1 is the user binary count.
	slots        []slot
	userCapacity int

	kernel         binary.KernelInfo
	kernelCapacity int
	kernelVersion  string

	clock Sequencer
}

// Option configures a Registry.
type Option func(*Registry)

// WithKernelVersion sets the version recorded by the first kernel partition
// registration. Default: binary.DefaultKernelVersion.
func WithKernelVersion(v string) Option {
	return func(r *Registry) {
		r.kernelVersion = v
	}
}

// WithClock replaces the transition clock. Used to share a clock with tests.
func WithClock(c Sequencer) Option {
	return func(r *Registry) {
		r.clock = c
	}
}

// New creates a registry with room for userCapacity user binaries and
// kernelCapacity kernel partitions.
func New(userCapacity, kernelCapacity int, opts ...Option) *Registry {
	if userCapacity < 0 {
		userCapacity = 0
	}
	if kernelCapacity < 0 {
		kernelCapacity = 0
	}
	r := &Registry{
		slots:          make([]slot, 1, userCapacity+1),
		userCapacity:   userCapacity,
		kernelCapacity: kernelCapacity,
		kernelVersion:  binary.DefaultKernelVersion,
		clock:          NewClock(),
	}
	r.slots[binary.CommonLibraryIndex] = slot{binID: binary.NoBinID}
	r.kernel.Partitions = make([]binary.Partition, 0, kernelCapacity)

	for _, opt := range opts {
		opt(r)
	}
	return r
}

// UserCapacity returns the fixed number of user slots.
func (r *Registry) UserCapacity() int {
	return r.userCapacity
}

// UserBinaryCount returns the number of registered user binaries.
func (r *Registry) UserBinaryCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.slots) - 1
}

// KernelPartitionCount returns the number of registered kernel partitions.
func (r *Registry) KernelPartitionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.kernel.Partitions)
}

// RegisterUserBinary registers a user binary by name and returns its index.
func (r *Registry) RegisterUserBinary(name string) (int, error) {
	return r.Register(Registration{Attrs: binary.LoadAttributes{Name: name}})
}

// Register registers a user binary with its storage metadata. Nothing is
// modified when an error is returned.
func (r *Registry) Register(reg Registration) (int, error) {
	name := reg.Attrs.Name
	if err := binary.ValidateName(name); err != nil {
		slog.Warn("rejected binary registration", "name", name, "error", err)
		return -1, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if idx := r.indexByNameLocked(name); idx >= 0 {
		slog.Debug("binary already registered", "name", name, "index", idx)
		return -1, binary.SlotErrorf(binary.CodeAlreadyRegistered, idx, name, "binary already registered")
	}
	if len(r.slots)-1 >= r.userCapacity {
		slog.Warn("user binary table full", "name", name, "capacity", r.userCapacity)
		return -1, binary.Errorf(binary.CodeCapacityExceeded, "user binary table full (%d)", r.userCapacity)
	}

	r.slots = append(r.slots, newSlot(reg))
	idx := len(r.slots) - 1
	slog.Debug("user binary registered", "index", idx, "name", name)
	return idx, nil
}

// RegisterCommonLibrary fills the reserved common-library slot. It can only
// succeed once.
func (r *Registry) RegisterCommonLibrary(reg Registration) error {
	name := reg.Attrs.Name
	if err := binary.ValidateName(name); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.slots[binary.CommonLibraryIndex].registered {
		return binary.SlotErrorf(binary.CodeAlreadyRegistered, binary.CommonLibraryIndex, name, "common library already registered")
	}
	if idx := r.indexByNameLocked(name); idx >= 0 {
		return binary.SlotErrorf(binary.CodeAlreadyRegistered, idx, name, "name in use")
	}
	r.slots[binary.CommonLibraryIndex] = newSlot(reg)
	slog.Debug("common library registered", "name", name)
	return nil
}

func newSlot(reg Registration) slot {
	return slot{
		registered: true,
		binID:      binary.NoBinID,
		state:      binary.StateInactive,
		rtType:     reg.RuntimeType,
		attrs:      reg.Attrs,
		version:    reg.Version,
		kernelVer:  reg.KernelVersion,
	}
}

// RegisterKernelPartition appends one kernel partition. The first call also
// records the kernel name and version.
func (r *Registry) RegisterKernelPartition(number, size int) error {
	if number < 0 || size <= 0 {
		slog.Warn("invalid kernel partition", "number", number, "size", size)
		return binary.Errorf(binary.CodeInvalidArgument, "invalid partition: number %d, size %d", number, size)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	count := len(r.kernel.Partitions)
	if count >= r.kernelCapacity {
		return binary.Errorf(binary.CodeCapacityExceeded, "kernel partition table full (%d)", r.kernelCapacity)
	}
	if count == 0 {
		r.kernel.Name = binary.KernelName
		r.kernel.Version = r.kernelVersion
	}
	r.kernel.Partitions = append(r.kernel.Partitions, binary.Partition{Number: number, Size: size})
	slog.Debug("kernel partition registered", "part", count, "number", number, "size", size)
	return nil
}

// SetKernelInUse records which kernel partition the system booted from.
func (r *Registry) SetKernelInUse(part int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if part < 0 || part >= len(r.kernel.Partitions) {
		return binary.Errorf(binary.CodeInvalidArgument, "kernel partition %d out of range", part)
	}
	r.kernel.InUseIndex = part
	return nil
}

// Kernel returns a snapshot of the kernel information.
func (r *Registry) Kernel() binary.KernelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	k := r.kernel
	k.Partitions = append([]binary.Partition(nil), r.kernel.Partitions...)
	return k
}

// Slot returns a snapshot of the slot at index.
func (r *Registry) Slot(index int) (binary.Slot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, err := r.slotLocked(index)
	if err != nil {
		return binary.Slot{}, err
	}
	return s.snapshot(index), nil
}

// Slots returns snapshots of every registered slot in index order.
func (r *Registry) Slots() []binary.Slot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]binary.Slot, 0, len(r.slots))
	for i := range r.slots {
		if r.slots[i].registered {
			out = append(out, r.slots[i].snapshot(i))
		}
	}
	return out
}

// Indices returns every registered index in registration order, with the
// common library first when it is registered.
func (r *Registry) Indices() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]int, 0, len(r.slots))
	for i := range r.slots {
		if r.slots[i].registered {
			out = append(out, i)
		}
	}
	return out
}

// LookupByID returns the index of the running slot holding binID.
func (r *Registry) LookupByID(binID int) (int, error) {
	if binID < 0 {
		return -1, binary.Errorf(binary.CodeInvalidArgument, "invalid bin id %d", binID)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := range r.slots {
		if r.slots[i].registered && r.slots[i].binID == binID {
			return i, nil
		}
	}
	return -1, binary.Errorf(binary.CodeNotFound, "no running binary with id %d", binID)
}

// IndexByName returns the index of the slot registered under name.
func (r *Registry) IndexByName(name string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if idx := r.indexByNameLocked(name); idx >= 0 {
		return idx, nil
	}
	return -1, binary.Errorf(binary.CodeNotFound, "no binary named %q", name)
}

// SetBinID records the id of the running instance of the slot at index.
// binary.NoBinID clears it.
func (r *Registry) SetBinID(index, binID int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.slotLocked(index)
	if err != nil {
		return err
	}
	if binID != binary.NoBinID {
		if binID < 0 {
			return binary.SlotErrorf(binary.CodeInvalidArgument, index, s.attrs.Name, "invalid bin id %d", binID)
		}
		for i := range r.slots {
			if i != index && r.slots[i].registered && r.slots[i].binID == binID {
				return binary.SlotErrorf(binary.CodeInvalidArgument, index, s.attrs.Name,
					"bin id %d already held by %s", binID, r.slots[i].attrs.Name)
			}
		}
	}
	s.binID = binID
	return nil
}

// Transition moves the slot at index from -> to. The current state must
// equal from and the move must be in the transition table; otherwise the
// slot is left untouched and an InvalidTransition error is returned.
func (r *Registry) Transition(index int, from, to binary.State) (Change, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.slotLocked(index)
	if err != nil {
		return Change{}, err
	}
	if s.state != from || !binary.ValidTransition(from, to) {
		return Change{}, binary.NewTransitionError(index, s.attrs.Name, s.state, from, to)
	}

	s.state = to
	if to == binary.StateInactive {
		s.binID = binary.NoBinID
	}
	return Change{
		Seq:         r.clock.Next(),
		Index:       index,
		Name:        s.attrs.Name,
		From:        from,
		To:          to,
		Subscribers: append([]binary.Subscription(nil), s.callbacks...),
	}, nil
}

// IncrementFaultCount bumps the fault counter of the slot at index and
// returns the new value.
func (r *Registry) IncrementFaultCount(index int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.slotLocked(index)
	if err != nil {
		return 0, err
	}
	s.faultCount++
	return s.faultCount, nil
}

func (r *Registry) indexByNameLocked(name string) int {
	for i := range r.slots {
		if r.slots[i].registered && r.slots[i].attrs.Name == name {
			return i
		}
	}
	return -1
}

// slotLocked is the single bounds check for indexed access.
func (r *Registry) slotLocked(index int) (*slot, error) {
	if index < 0 || index >= len(r.slots) {
		return nil, binary.Errorf(binary.CodeInvalidArgument, "slot index %d out of range [0,%d)", index, len(r.slots))
	}
	s := &r.slots[index]
	if !s.registered {
		return nil, binary.Errorf(binary.CodeNotFound, "slot %d is not registered", index)
	}
	return s, nil
}

func (s *slot) snapshot(index int) binary.Slot {
	return binary.Slot{
		Index:         index,
		BinID:         s.binID,
		State:         s.state,
		RuntimeType:   s.rtType,
		FaultCount:    s.faultCount,
		Attrs:         s.attrs,
		Version:       s.version,
		KernelVersion: s.kernelVer,
		Callbacks:     append([]binary.Subscription(nil), s.callbacks...),
	}
}
