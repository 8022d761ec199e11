package service

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

const childStopTimeout = 35 * time.Second

// spawnWorkers forks the sibling worker processes. Only the primary
// (worker 0) spawns: each child re-executes this binary with its own
// SERVICE_WORKER_INDEX, re-registers the same handlers on boot and
// binds its own listener channel.
func (s *Service) spawnWorkers() ([]*exec.Cmd, error) {
	if s.cfg.WorkerIndex != 0 || s.cfg.Workers <= 1 {
		return nil, nil
	}

	children := make([]*exec.Cmd, 0, s.cfg.Workers-1)
	for index := 1; index < s.cfg.Workers; index++ {
		cmd := exec.Command(os.Args[0], os.Args[1:]...) //nolint:gosec
		cmd.Env = append(os.Environ(), fmt.Sprintf("SERVICE_WORKER_INDEX=%d", index))
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		if err := cmd.Start(); err != nil {
			stopChildren(children, s.log)
			return nil, fmt.Errorf("start worker %d: %w", index, err)
		}
		s.log.Info().Int("worker", index).Int("pid", cmd.Process.Pid).Msg("Spawned worker process")
		children = append(children, cmd)
	}
	return children, nil
}

// stopChildren asks every child to shut down and reaps it, killing
// stragglers that outlive their own drain window.
func stopChildren(children []*exec.Cmd, log zerolog.Logger) {
	for _, cmd := range children {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			log.Warn().Err(err).Int("pid", cmd.Process.Pid).Msg("Signal to worker failed")
		}
	}

	for _, cmd := range children {
		done := make(chan error, 1)
		go func() { done <- cmd.Wait() }()

		select {
		case err := <-done:
			if err != nil {
				log.Warn().Err(err).Int("pid", cmd.Process.Pid).Msg("Worker exited abnormally")
			}
		case <-time.After(childStopTimeout):
			log.Warn().Int("pid", cmd.Process.Pid).Msg("Worker ignored shutdown, killing")
			_ = cmd.Process.Kill()
			<-done
		}
	}
}
