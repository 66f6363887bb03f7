package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RemoteConfig tunes a RemoteWorker's poll cadence and concurrency, mirroring
// Config for the embedded worker.
type RemoteConfig struct {
	Concurrency  int
	PollInterval time.Duration
	HTTPTimeout  time.Duration
}

// DefaultRemoteConfig mirrors DefaultConfig, scaled for network round trips
// to the server instead of an in-process queue poll.
func DefaultRemoteConfig() RemoteConfig {
	return RemoteConfig{
		Concurrency:  4,
		PollInterval: 2 * time.Second,
		HTTPTimeout:  30 * time.Second,
	}
}

// RemoteWorker is the HTTP-attached counterpart to Worker: it never opens a
// database connection, it only claims, runs and acks executions against the
// engine's own /internal/* surface (internal/api.RemoteConfig), the same
// split the teacher draws between pkg/execution/worker.go (embedded,
// DB-attached) and pkg/execution/remote_worker.go (HTTP-attached, bearer
// token auth) — adapted here to this engine's run-to-completion unit of
// work instead of the teacher's per-step claim protocol.
type RemoteWorker struct {
	ServerURL string
	Token     string
	Config    RemoteConfig

	client *http.Client
	sem    chan struct{}
}

func NewRemoteWorker(serverURL, token string, cfg RemoteConfig) *RemoteWorker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	return &RemoteWorker{
		ServerURL: serverURL,
		Token:     token,
		Config:    cfg,
		client:    &http.Client{Timeout: cfg.HTTPTimeout},
		sem:       make(chan struct{}, cfg.Concurrency),
	}
}

// Run polls /internal/claim until ctx is cancelled, then waits for in-flight
// work to drain before returning, the same graceful-shutdown shape as
// Worker.Run.
func (rw *RemoteWorker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	ticker := time.NewTicker(rw.Config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-ticker.C:
			rw.pollOnce(ctx, &wg)
		}
	}
}

func (rw *RemoteWorker) pollOnce(ctx context.Context, wg *sync.WaitGroup) {
	for {
		select {
		case rw.sem <- struct{}{}:
		default:
			return // at capacity
		}

		executionID, leaseToken, ok, err := rw.claim(ctx)
		if err != nil {
			<-rw.sem
			log.Printf("remote worker: claim failed: %v", err)
			return
		}
		if !ok {
			<-rw.sem
			return
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-rw.sem }()
			rw.process(ctx, executionID, leaseToken)
		}()
	}
}

func (rw *RemoteWorker) process(ctx context.Context, executionID, leaseToken uuid.UUID) {
	defer func() {
		if r := recover(); r != nil {
			// Mirrors Worker.process: a panicking run leaves the lease
			// outstanding, so it becomes visible again once it expires.
			log.Printf("remote worker: recovered panic processing execution %s: %v", executionID, r)
		}
	}()

	ok, runErr := rw.run(ctx, executionID)
	if runErr != nil {
		log.Printf("remote worker: execution %s run request failed: %v", executionID, runErr)
		return
	}
	if !ok {
		log.Printf("remote worker: execution %s did not settle cleanly", executionID)
		return
	}
	if err := rw.ack(ctx, leaseToken); err != nil {
		log.Printf("remote worker: failed to ack execution %s: %v", executionID, err)
	}
}

func (rw *RemoteWorker) claim(ctx context.Context) (executionID, leaseToken uuid.UUID, ok bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rw.ServerURL+"/internal/claim", nil)
	if err != nil {
		return uuid.Nil, uuid.Nil, false, err
	}
	rw.authorize(req)

	resp, err := rw.client.Do(req)
	if err != nil {
		return uuid.Nil, uuid.Nil, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return uuid.Nil, uuid.Nil, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return uuid.Nil, uuid.Nil, false, fmt.Errorf("claim failed with status %d", resp.StatusCode)
	}

	var out struct {
		ExecutionID string `json:"execution_id"`
		LeaseToken  string `json:"lease_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return uuid.Nil, uuid.Nil, false, err
	}
	executionID, err = uuid.Parse(out.ExecutionID)
	if err != nil {
		return uuid.Nil, uuid.Nil, false, err
	}
	leaseToken, err = uuid.Parse(out.LeaseToken)
	if err != nil {
		return uuid.Nil, uuid.Nil, false, err
	}
	return executionID, leaseToken, true, nil
}

func (rw *RemoteWorker) run(ctx context.Context, executionID uuid.UUID) (bool, error) {
	url := fmt.Sprintf("%s/internal/executions/%s/run", rw.ServerURL, executionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return false, err
	}
	rw.authorize(req)

	resp, err := rw.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return false, fmt.Errorf("run failed with status %d: %s", resp.StatusCode, string(body))
	}

	var out struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, err
	}
	if !out.OK {
		return false, fmt.Errorf("execution did not settle: %s", out.Error)
	}
	return true, nil
}

func (rw *RemoteWorker) ack(ctx context.Context, leaseToken uuid.UUID) error {
	payload, err := json.Marshal(map[string]string{"lease_token": leaseToken.String()})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rw.ServerURL+"/internal/ack", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	rw.authorize(req)

	resp, err := rw.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("ack failed with status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

func (rw *RemoteWorker) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+rw.Token)
}
