package fdinfo

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/skobkin/amdgpu-usage/internal/procscan"
)

// Engine accumulates fdinfo counters per process and converts them into rates
// between polls. It keeps the last absolute counters of every pid it has seen
// (see Retention). An Engine has a single owner: Poll must not be called
// concurrently.
type Engine struct {
	procRoot  *os.Root
	retention Retention
	logger    *slog.Logger

	prev map[int]Usage
}

// NewEngine opens procRoot (normally /proc) and returns an engine with empty history.
func NewEngine(procRoot string, retention Retention, logger *slog.Logger) (*Engine, error) {
	if procRoot == "" {
		procRoot = "/proc"
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	root, err := os.OpenRoot(procRoot)
	if err != nil {
		return nil, fmt.Errorf("open proc root: %w", err)
	}
	return &Engine{
		procRoot:  root,
		retention: retention,
		logger:    logger,
		prev:      make(map[int]Usage),
	}, nil
}

// Poll reads the fdinfo of every supplied process and returns one sample per
// record, in input order. interval is the wall-clock time elapsed since the
// previous poll; the engine has no clock of its own.
func (e *Engine) Poll(records []procscan.Process, interval time.Duration) []Sample {
	samples := make([]Sample, 0, len(records))

	for _, record := range records {
		cur := e.collect(record)

		sample := Sample{
			PID:    record.PID,
			Name:   truncateName(record.Name),
			Memory: cur.Memory,
		}
		if pre, ok := e.prev[record.PID]; ok {
			sample.Rates = cur.Engines.since(pre.Engines, interval)
		}
		e.prev[record.PID] = cur

		samples = append(samples, sample)
	}

	if e.retention == PruneMissing {
		e.prune(records)
	}

	return samples
}

// Tracked reports how many pids currently have stored counters.
func (e *Engine) Tracked() int {
	return len(e.prev)
}

// Close releases the proc root handle.
func (e *Engine) Close() error {
	if e.procRoot == nil {
		return nil
	}
	return e.procRoot.Close()
}

func (e *Engine) collect(record procscan.Process) Usage {
	var total Usage
	seen := make(map[uint64]struct{}, len(record.FDs))
	pidDir := strconv.Itoa(record.PID)

	for _, fd := range record.FDs {
		data, err := e.procRoot.ReadFile(filepath.Join(pidDir, "fdinfo", strconv.Itoa(fd)))
		if err != nil {
			e.logger.Debug("failed to read fdinfo", "pid", record.PID, "fd", fd, "err", err)
			continue
		}

		usage, duplicate := parseUsage(data, seen)
		if duplicate {
			// Every remaining descriptor of this process shares an already counted context.
			break
		}
		total.add(usage)
	}

	return total
}

func (e *Engine) prune(records []procscan.Process) {
	alive := make(map[int]struct{}, len(records))
	for _, record := range records {
		alive[record.PID] = struct{}{}
	}
	for pid := range e.prev {
		if _, ok := alive[pid]; !ok {
			delete(e.prev, pid)
		}
	}
}
