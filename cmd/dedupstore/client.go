package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"time"

	"dedupstore/internal/api"
	"dedupstore/internal/config"
)

const (
	serverStartTimeout = 5 * time.Second
	serverStopTimeout  = 5 * time.Second
	serverPollInterval = 100 * time.Millisecond
	serverProbeTimeout = 500 * time.Millisecond
)

// withClient runs fn against the configured server, starting a temporary
// local server first when nothing answers.
func withClient(ctx context.Context, cfg *config.Config, fn func(*api.Client) error) error {
	client := api.NewClient(cfg.APIURL)

	probeCtx, cancel := context.WithTimeout(ctx, serverProbeTimeout)
	err := client.Ping(probeCtx)
	cancel()
	if err == nil {
		return fn(client)
	}

	local, err := startLocalServer(ctx, cfg, client)
	if err != nil {
		return err
	}
	defer local.stop()
	return fn(client)
}

// localServer is a `dedupstore srv` child that lives for one command.
type localServer struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func startLocalServer(ctx context.Context, cfg *config.Config, client *api.Client) (*localServer, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(exe, "srv")
	cmd.Env = append(os.Environ(),
		"DEDUP_DB="+cfg.DBPath,
		"DEDUP_API_URL="+cfg.APIURL,
		"DEDUP_DATA_DIR="+cfg.Storage.DataDir,
	)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start local server: %w", err)
	}

	local := &localServer{cmd: cmd, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(local.done)
	}()
	slog.Debug("started local server", "pid", cmd.Process.Pid, "api_url", cfg.APIURL)

	if err := waitForServer(ctx, client, serverStartTimeout); err != nil {
		_ = cmd.Process.Kill()
		<-local.done
		return nil, err
	}
	return local, nil
}

// stop interrupts the child and kills it if it has not exited in time.
func (l *localServer) stop() {
	_ = l.cmd.Process.Signal(os.Interrupt)
	select {
	case <-l.done:
	case <-time.After(serverStopTimeout):
		slog.Warn("local server did not stop; killing", "pid", l.cmd.Process.Pid)
		_ = l.cmd.Process.Kill()
		<-l.done
	}
}

func waitForServer(ctx context.Context, client *api.Client, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(serverPollInterval)
	defer ticker.Stop()

	for {
		err := client.Ping(ctx)
		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return errors.New("server did not start in time")
			}
			return ctx.Err()
		case !isConnRefused(err):
			// Something else owns the port.
			return err
		}
		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
	}
}

func isConnRefused(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
