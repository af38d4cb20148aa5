// Package supervisor implements the child-process supervisor (C1,
// §4.4): one process group is started, watched, and torn down by four
// cooperating tasks that share a single atomic "done" flag and a
// bounded log channel rather than the job's logs string directly.
//
//   - T1 (process manager): starts the command in its own process
//     group, drains stdout/stderr into the log channel, reaps the
//     process, and kills the group on request.
//   - T2 (log streamer): two goroutines owned by T1, one per stream,
//     feeding output.Channel.
//   - T3 (liveness pinger): touches last_ping on an interval so the
//     reaper (C7) does not mistake a healthy job for a zombie.
//   - T4 (flush + cancel/timeout watcher): runs in the calling
//     goroutine, owns the job's logs string exclusively, periodically
//     concatenates new lines to the store, fans each line out to the
//     supplemental live-tail Publisher, and watches for cancellation
//     and context timeout.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"os/exec"

	"github.com/google/uuid"

	workererrors "github.com/windmill-labs/workercore/internal/errors"
	"github.com/windmill-labs/workercore/internal/log"
	"github.com/windmill-labs/workercore/internal/workercore/output"
	"github.com/windmill-labs/workercore/internal/workercore/pubsub"
)

var logger = log.New("supervisor")

const (
	// DefaultPingInterval is how often T3 refreshes last_ping.
	DefaultPingInterval = 5 * time.Second
	// DefaultFlushInterval is how often T4 concatenates buffered log
	// lines to the store.
	DefaultFlushInterval = 500 * time.Millisecond
)

// JobStore is the narrow slice of queue.Store the supervisor needs.
// Declared here, at the point of use, rather than in the queue package.
type JobStore interface {
	UpdateLastPing(ctx context.Context, jobID uuid.UUID) error
	ConcatLogs(ctx context.Context, jobID uuid.UUID, delta string) error
	IsCanceled(ctx context.Context, jobID uuid.UUID) (canceled bool, by string, reason string, err error)
	MarkCanceled(ctx context.Context, jobID uuid.UUID, by, reason string) error
}

// Config describes one supervised child process.
type Config struct {
	JobID uuid.UUID

	Command string
	Args    []string
	Dir     string
	Env     []string

	// Timeout bounds total wall-clock execution. Zero means no timeout
	// beyond ctx's own deadline, if any.
	Timeout time.Duration

	PingInterval  time.Duration
	FlushInterval time.Duration

	Store JobStore

	// Publisher fans out each line to the supplemental live-tail sink
	// (C2) as it arrives. A nil Publisher is valid and simply drops
	// every line.
	Publisher *pubsub.Publisher
}

// Result is the outcome of one supervised run.
type Result struct {
	ExitCode       int
	TimedOut       bool
	Canceled       bool
	CanceledBy     string
	CanceledReason string
	Logs           string
}

// Run starts cfg.Command, supervises it to completion or termination,
// and returns the accumulated logs and terminal status. ctx cancellation
// (caller-driven shutdown) and cfg.Timeout (job-level timeout) both kill
// the process group; cfg.Store.IsCanceled polling (§4.4 T4) does too.
func Run(ctx context.Context, cfg Config) (*Result, error) {
	if cfg.PingInterval == 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}

	runCtx := ctx
	var cancelTimeout context.CancelFunc
	if cfg.Timeout > 0 {
		runCtx, cancelTimeout = context.WithTimeout(ctx, cfg.Timeout)
		defer cancelTimeout()
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = cfg.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, workererrors.InternalErrf("open stdout pipe; job: %s: %v", cfg.JobID, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, workererrors.InternalErrf("open stderr pipe; job: %s: %v", cfg.JobID, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, workererrors.InternalErrf("start child; job: %s: %v", cfg.JobID, err)
	}

	var done atomic.Bool
	logCh := output.New()

	// T2: stream stdout/stderr into the bounded channel. Both must
	// reach EOF before T1 calls cmd.Wait, per os/exec's own contract.
	var streamWG sync.WaitGroup
	streamWG.Add(2)
	go streamPipe(&streamWG, stdout, logCh)
	go streamPipe(&streamWG, stderr, logCh)

	killCh := make(chan struct{}, 1)
	requestKill := func() {
		select {
		case killCh <- struct{}{}:
		default:
		}
	}

	exitCh := make(chan error, 1)
	// T1: process manager. Kills the group on request, reaps on exit.
	go func() {
		killed := false
		killerDone := make(chan struct{})
		go func() {
			select {
			case <-killCh:
				killed = true
				if cmd.Process != nil {
					_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
				}
			case <-killerDone:
			}
		}()

		streamWG.Wait()
		err := cmd.Wait()
		close(killerDone)
		done.Store(true)
		logCh.Close()
		if killed && err == nil {
			err = workererrors.ExecutionErr("execution interrupted")
		}
		exitCh <- err
	}()

	// T3: liveness pinger.
	pingStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if done.Load() {
					return
				}
				if cfg.Store != nil {
					if err := cfg.Store.UpdateLastPing(context.Background(), cfg.JobID); err != nil {
						logger.Warnf("update last_ping failed; job: %s: %v", cfg.JobID, err)
					}
				}
			case <-pingStop:
				return
			}
		}
	}()
	defer close(pingStop)

	// T4: flush + cancel/timeout watcher, in the calling goroutine; it
	// is the sole owner of logs for the remainder of this call.
	var logs string
	var pending string
	var timedOut bool
	var canceled bool
	var canceledBy, canceledReason string
	terminalRequested := false

	flushTicker := time.NewTicker(cfg.FlushInterval)
	defer flushTicker.Stop()

	var waitErr error
	linesCh := logCh.Lines()
	doneCh := runCtx.Done()
	exited := false
loop:
	for {
		select {
		case line, ok := <-linesCh:
			if !ok {
				// Channel closed: T1 has reaped the process already or
				// is about to send on exitCh. Disable this case so the
				// loop does not spin, and wait for exitCh to arrive.
				linesCh = nil
				if exited {
					break loop
				}
				continue
			}
			updated, terminal, message := output.Append(logs, line)
			logs = updated
			cfg.Publisher.Publish(context.Background(), cfg.JobID.String(), line)
			if pending == "" {
				pending = line
			} else {
				pending = pending + "\n" + line
			}
			if terminal && !terminalRequested {
				terminalRequested = true
				logs = logs + "\n" + message
				requestKill()
			}
		case <-flushTicker.C:
			if pending != "" && cfg.Store != nil {
				if err := cfg.Store.ConcatLogs(context.Background(), cfg.JobID, pending); err != nil {
					logger.Warnf("concat logs failed; job: %s: %v", cfg.JobID, err)
				}
				pending = ""
			}
			if !canceled && cfg.Store != nil {
				isCanceled, by, reason, err := cfg.Store.IsCanceled(context.Background(), cfg.JobID)
				if err != nil {
					logger.Warnf("check canceled failed; job: %s: %v", cfg.JobID, err)
				} else if isCanceled {
					canceled = true
					canceledBy = by
					canceledReason = reason
					requestKill()
				}
			}
		case <-doneCh:
			doneCh = nil
			if !terminalRequested {
				terminalRequested = true
				timedOut = true
				requestKill()
				// Only cfg.Timeout's own deadline, not the caller's ctx
				// being canceled out from under us (shutdown), is
				// persisted as a timeout cancellation (§4.4 T4, §8
				// boundary behavior "canceled_by='timeout'").
				if cfg.Timeout > 0 && ctx.Err() == nil && cfg.Store != nil {
					canceled = true
					canceledBy = "timeout"
					canceledReason = fmt.Sprintf("duration > %s", cfg.Timeout)
					if err := cfg.Store.MarkCanceled(context.Background(), cfg.JobID, canceledBy, canceledReason); err != nil {
						logger.Warnf("mark_canceled timeout failed; job: %s: %v", cfg.JobID, err)
					}
				}
			}
		case waitErr = <-exitCh:
			exited = true
			if linesCh == nil {
				break loop
			}
		}
	}

	if pending != "" && cfg.Store != nil {
		if err := cfg.Store.ConcatLogs(context.Background(), cfg.JobID, pending); err != nil {
			logger.Warnf("final concat logs failed; job: %s: %v", cfg.JobID, err)
		}
	}

	exitCode := 0
	if exitErr, ok := asExitError(waitErr); ok {
		exitCode = exitErr.ExitCode()
	} else if waitErr != nil && exitCode == 0 {
		exitCode = -1
	}

	return &Result{
		ExitCode:       exitCode,
		TimedOut:       timedOut,
		Canceled:       canceled,
		CanceledBy:     canceledBy,
		CanceledReason: canceledReason,
		Logs:           logs,
	}, nil
}

func streamPipe(wg *sync.WaitGroup, r io.Reader, logCh *output.Channel) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		logCh.Send(scanner.Text())
	}
}

func asExitError(err error) (*exec.ExitError, bool) {
	if err == nil {
		return nil, false
	}
	exitErr, ok := err.(*exec.ExitError)
	return exitErr, ok
}
