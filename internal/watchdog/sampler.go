package watchdog

import (
	"os"

	"codeberg.org/mutker/spectractl/internal/errors"
	"github.com/shirou/gopsutil/v3/process"
)

// Sampler measures the memory footprint of the process in bytes.
type Sampler interface {
	Sample() (uint64, error)
}

// ProcessSampler reports the resident set size of the current process.
type ProcessSampler struct {
	proc *process.Process
}

func NewProcessSampler() (*ProcessSampler, error) {
	errFactory := errors.New()

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrInitFailed, err)
	}

	return &ProcessSampler{proc: proc}, nil
}

func (s *ProcessSampler) Sample() (uint64, error) {
	info, err := s.proc.MemoryInfo()
	if err != nil {
		return 0, err
	}

	return info.RSS, nil
}
