package procscan

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"
)

// Scanner enumerates processes that hold descriptors on a single DRM device.
type Scanner struct {
	fs       procfs.FS
	procRoot string
	targets  []string
	selfPID  int
	opts     Options
	logger   *slog.Logger
}

// NewScanner builds a scanner rooted at procRoot. A descriptor matches when its
// link target starts with one of the supplied device paths (e.g. "/dev/dri/renderD128").
func NewScanner(procRoot string, devicePaths []string, opts Options, logger *slog.Logger) (*Scanner, error) {
	if procRoot == "" {
		procRoot = procfs.DefaultMountPoint
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	targets := make([]string, 0, len(devicePaths))
	for _, path := range devicePaths {
		if path == "" {
			continue
		}
		targets = append(targets, filepath.Clean(path))
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("no device paths to match")
	}

	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return nil, fmt.Errorf("open proc root: %w", err)
	}

	return &Scanner{
		fs:       fs,
		procRoot: procRoot,
		targets:  targets,
		selfPID:  os.Getpid(),
		opts:     opts,
		logger:   logger,
	}, nil
}

// Scan walks the process table and returns every process with at least one
// descriptor on the device. Processes that vanish mid-scan are skipped.
func (s *Scanner) Scan() ([]Process, error) {
	procs, err := s.fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	// Directory order is arbitrary; pid order keeps MaxPIDs and sample ties stable.
	sort.Sort(procs)

	var (
		out     []Process
		scanned int
	)
	for _, proc := range procs {
		if s.opts.MaxPIDs > 0 && scanned >= s.opts.MaxPIDs {
			break
		}
		scanned++

		if proc.PID == s.selfPID {
			continue
		}

		fds := s.matchingFDs(proc)
		if len(fds) == 0 {
			continue
		}

		name, err := proc.Comm()
		if err != nil {
			s.logger.Debug("failed to read process name", "pid", proc.PID, "err", err)
			continue
		}

		out = append(out, Process{
			PID:  proc.PID,
			Name: strings.TrimSpace(name),
			FDs:  fds,
		})
	}

	return out, nil
}

func (s *Scanner) matchingFDs(proc procfs.Proc) []int {
	descriptors, err := proc.FileDescriptors()
	if err != nil {
		return nil
	}
	slices.Sort(descriptors)

	fdDir := filepath.Join(s.procRoot, strconv.Itoa(proc.PID), "fd")
	var fds []int
	for i, fd := range descriptors {
		if s.opts.MaxFDsPerPID > 0 && i >= s.opts.MaxFDsPerPID {
			break
		}
		name := strconv.FormatUint(uint64(fd), 10)
		target, err := os.Readlink(filepath.Join(fdDir, name))
		if err != nil {
			continue
		}
		target = strings.TrimSuffix(target, " (deleted)")
		if s.matches(target) {
			fds = append(fds, int(fd))
		}
	}
	return fds
}

func (s *Scanner) matches(target string) bool {
	target = filepath.Clean(target)
	for _, prefix := range s.targets {
		// Path-component prefix: card1 must not match card10.
		if target == prefix || strings.HasPrefix(target, prefix+"/") {
			return true
		}
	}
	return false
}
