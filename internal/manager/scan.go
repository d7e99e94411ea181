package manager

import (
	"context"
	"log/slog"

	"github.com/roach88/binmgr/internal/header"
	"github.com/roach88/binmgr/internal/manifest"
)

// ScanFailure is a manifest entry that could not be registered.
type ScanFailure struct {
	Name string
	Err  error
}

// ScanReport summarizes a Scan.
type ScanReport struct {
	Partitions int
	Registered []string
	Failed     []ScanFailure
}

// Scan registers everything described by m: kernel partitions, the common
// library and the user binaries in manifest order. An entry that fails is
// skipped and reported; the rest are still registered. A malformed header
// never leaves a partially registered slot.
func (m *Manager) Scan(ctx context.Context, mf *manifest.Manifest) (ScanReport, error) {
	var rep ScanReport
	err := m.call(ctx, func() error {
		for _, p := range mf.Kernel.Partitions {
			if err := m.reg.RegisterKernelPartition(p.Number, p.Size); err != nil {
				rep.Failed = append(rep.Failed, ScanFailure{Name: "kernel", Err: err})
				continue
			}
			rep.Partitions++
		}
		if rep.Partitions > 0 {
			if err := m.reg.SetKernelInUse(mf.Kernel.InUse); err != nil {
				rep.Failed = append(rep.Failed, ScanFailure{Name: "kernel", Err: err})
			}
		}

		if lib := mf.CommonLibrary; lib != nil {
			reg, err := lib.Registration(mf.Dir, header.TypeCommon)
			if err == nil {
				err = m.reg.RegisterCommonLibrary(reg)
			}
			if err != nil {
				rep.Failed = append(rep.Failed, ScanFailure{Name: lib.Name, Err: err})
			} else {
				rep.Registered = append(rep.Registered, lib.Name)
			}
		}

		for _, b := range mf.Binaries {
			reg, err := b.Registration(mf.Dir, header.TypeUser)
			if err == nil {
				_, err = m.reg.Register(reg)
			}
			if err != nil {
				rep.Failed = append(rep.Failed, ScanFailure{Name: b.Name, Err: err})
				continue
			}
			rep.Registered = append(rep.Registered, b.Name)
		}
		return nil
	})
	if err != nil {
		return ScanReport{}, err
	}

	for _, f := range rep.Failed {
		slog.Warn("binary skipped during scan", "name", f.Name, "error", f.Err)
	}
	slog.Info("storage scanned",
		"partitions", rep.Partitions,
		"registered", len(rep.Registered),
		"failed", len(rep.Failed),
	)
	return rep, nil
}
