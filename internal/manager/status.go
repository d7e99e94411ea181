package manager

import (
	"github.com/roach88/binmgr/internal/binary"
)

// Info is the reporting view of one binary.
type Info struct {
	Index         int    `json:"index" yaml:"index"`
	Name          string `json:"name" yaml:"name"`
	State         string `json:"state" yaml:"state"`
	BinID         int    `json:"bin_id" yaml:"bin_id"`
	RuntimeType   string `json:"runtime" yaml:"runtime"`
	Version       string `json:"version,omitempty" yaml:"version,omitempty"`
	KernelVersion string `json:"kernel_version,omitempty" yaml:"kernel_version,omitempty"`
	FaultCount    int    `json:"fault_count" yaml:"fault_count"`
	Subscribers   int    `json:"subscribers" yaml:"subscribers"`
	Tasks         int    `json:"tasks" yaml:"tasks"`
}

// PartitionInfo is the reporting view of a kernel partition.
type PartitionInfo struct {
	Number int `json:"number" yaml:"number"`
	Size   int `json:"size" yaml:"size"`
}

// KernelStatus is the reporting view of the kernel.
type KernelStatus struct {
	Name       string          `json:"name" yaml:"name"`
	Version    string          `json:"version" yaml:"version"`
	InUse      int             `json:"in_use" yaml:"in_use"`
	Partitions []PartitionInfo `json:"partitions" yaml:"partitions"`
}

// Status is a snapshot of every table.
type Status struct {
	BootID   string       `json:"boot_id" yaml:"boot_id"`
	Kernel   KernelStatus `json:"kernel" yaml:"kernel"`
	Binaries []Info       `json:"binaries" yaml:"binaries"`
}

// GetIndexWithID returns the index of the binary currently running as
// binID.
func (m *Manager) GetIndexWithID(binID int) (int, error) {
	return m.reg.LookupByID(binID)
}

// GetInfoWithName returns the binary registered under name.
func (m *Manager) GetInfoWithName(name string) (Info, error) {
	idx, err := m.reg.IndexByName(name)
	if err != nil {
		return Info{}, err
	}
	s, err := m.reg.Slot(idx)
	if err != nil {
		return Info{}, err
	}
	return m.info(s), nil
}

// GetInfoAll returns a snapshot of the kernel and every registered binary.
func (m *Manager) GetInfoAll() Status {
	k := m.reg.Kernel()
	st := Status{
		BootID: m.bootID,
		Kernel: KernelStatus{
			Name:       k.Name,
			Version:    k.Version,
			InUse:      k.InUseIndex,
			Partitions: make([]PartitionInfo, 0, len(k.Partitions)),
		},
		Binaries: []Info{},
	}
	for _, p := range k.Partitions {
		st.Kernel.Partitions = append(st.Kernel.Partitions, PartitionInfo{Number: p.Number, Size: p.Size})
	}
	for _, s := range m.reg.Slots() {
		st.Binaries = append(st.Binaries, m.info(s))
	}
	return st
}

func (m *Manager) info(s binary.Slot) Info {
	return Info{
		Index:         s.Index,
		Name:          s.Name(),
		State:         s.State.String(),
		BinID:         s.BinID,
		RuntimeType:   s.RuntimeType.String(),
		Version:       s.Version,
		KernelVersion: s.KernelVersion,
		FaultCount:    s.FaultCount,
		Subscribers:   len(s.Callbacks),
		Tasks:         m.tasks.Len(s.Index),
	}
}
