//go:build linux

package resource

import (
	"errors"
	"fmt"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

type systemProbe struct {
	fs    procfs.FS
	fsErr error
}

func newSystemProbe() Probe {
	fs, err := procfs.NewDefaultFS()
	return &systemProbe{fs: fs, fsErr: err}
}

func (p *systemProbe) MemoryPercent() (float64, error) {
	if p.fsErr != nil {
		return 0, p.fsErr
	}
	mi, err := p.fs.Meminfo()
	if err != nil {
		return 0, fmt.Errorf("read meminfo: %w", err)
	}
	if mi.MemTotal == nil || *mi.MemTotal == 0 {
		return 0, errors.New("meminfo: MemTotal missing")
	}
	avail := uint64(0)
	switch {
	case mi.MemAvailable != nil:
		avail = *mi.MemAvailable
	case mi.MemFree != nil:
		avail = *mi.MemFree
	}
	total := *mi.MemTotal
	if avail > total {
		avail = total
	}
	return float64(total-avail) / float64(total) * 100, nil
}

func (p *systemProbe) DiskPercent(path string) (float64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	used := st.Blocks - st.Bfree
	// df semantics: reserved blocks count as unavailable
	denom := used + st.Bavail
	if denom == 0 {
		return 0, nil
	}
	return float64(used) / float64(denom) * 100, nil
}

func (p *systemProbe) OpenFiles() (int, error) {
	if p.fsErr != nil {
		return 0, p.fsErr
	}
	self, err := p.fs.Self()
	if err != nil {
		return 0, err
	}
	return self.FileDescriptorsLen()
}

func (p *systemProbe) ProcessRSS() (uint64, error) {
	if p.fsErr != nil {
		return 0, p.fsErr
	}
	self, err := p.fs.Self()
	if err != nil {
		return 0, err
	}
	stat, err := self.Stat()
	if err != nil {
		return 0, err
	}
	return uint64(stat.ResidentMemory()), nil
}
