package killswitch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// wireCommand is the wire shape a transport decodes before handing a
// Command to the Executor.
type wireCommand struct {
	CommandID    string    `json:"command_id"`
	Type         string    `json:"type"`
	Timestamp    time.Time `json:"timestamp"`
	Reason       string    `json:"reason"`
	InstanceID   string    `json:"instance_id"`
	AssetID      string    `json:"asset_id"`
	Organization string    `json:"organization"`
	Signature    string    `json:"signature"`
}

func (w wireCommand) toCommand() Command {
	return Command{
		CommandID:    w.CommandID,
		Type:         CommandType(w.Type),
		Timestamp:    w.Timestamp,
		Reason:       w.Reason,
		InstanceID:   w.InstanceID,
		AssetID:      w.AssetID,
		Organization: w.Organization,
		Signature:    w.Signature,
	}
}

// FileListener implements Transport by watching a single file for
// kill-switch commands, grounded on mdloader's Watcher (fsnotify directory
// watch, invalidate-and-callback loop). Each write to the file is decoded
// as one JSON command. This is the lowest-ceremony transport and the
// kernel's default (spec §6 kill_switch.transport: "file").
type FileListener struct {
	path               string
	deleteAfterProcess bool
	logger             *slog.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewFileListener builds a file-based transport watching path.
func NewFileListener(path string, deleteAfterProcess bool, logger *slog.Logger) *FileListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileListener{path: path, deleteAfterProcess: deleteAfterProcess, logger: logger.With("component", "killswitch.FileListener")}
}

func (f *FileListener) Name() string { return "file" }

func (f *FileListener) Start(ctx context.Context, onCommand func(Command), onError func(error), onConnectionChange func(connected bool)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	f.watcher = w
	f.done = make(chan struct{})

	if onConnectionChange != nil {
		onConnectionChange(true)
	}
	go f.loop(ctx, onCommand, onError, onConnectionChange)
	return nil
}

func (f *FileListener) loop(ctx context.Context, onCommand func(Command), onError func(error), onConnectionChange func(connected bool)) {
	defer close(f.done)
	defer func() {
		if onConnectionChange != nil {
			onConnectionChange(false)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != f.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			f.handle(onCommand, onError)
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			onError(err)
		}
	}
}

func (f *FileListener) handle(onCommand func(Command), onError func(error)) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		onError(fmt.Errorf("reading kill-switch file: %w", err))
		return
	}

	var wc wireCommand
	if err := json.Unmarshal(data, &wc); err != nil {
		onError(fmt.Errorf("decoding kill-switch file: %w", err))
		return
	}
	onCommand(wc.toCommand())

	if f.deleteAfterProcess {
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			f.logger.Warn("failed to remove processed kill-switch file", "path", f.path, "error", err)
		}
	}
}

func (f *FileListener) Stop() error {
	if f.watcher == nil {
		return nil
	}
	err := f.watcher.Close()
	if f.done != nil {
		<-f.done
	}
	return err
}

// PollListener implements Transport by polling an HTTP endpoint for new
// commands at a fixed interval. Every failed fetch is reported via onError;
// after maxErrors consecutive failures the transport is marked
// disconnected, and polling continues at the same interval without backoff.
type PollListener struct {
	endpoint   string
	interval   time.Duration
	maxErrors  int
	httpClient *http.Client
	logger     *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPollListener builds a polling transport against endpoint.
func NewPollListener(endpoint string, interval time.Duration, maxErrors int, logger *slog.Logger) *PollListener {
	if logger == nil {
		logger = slog.Default()
	}
	if maxErrors <= 0 {
		maxErrors = 5
	}
	return &PollListener{
		endpoint:   endpoint,
		interval:   interval,
		maxErrors:  maxErrors,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger.With("component", "killswitch.PollListener"),
	}
}

func (p *PollListener) Name() string { return "poll" }

func (p *PollListener) Start(ctx context.Context, onCommand func(Command), onError func(error), onConnectionChange func(connected bool)) error {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.loop(ctx, onCommand, onError, onConnectionChange)
	return nil
}

// loop polls on a fixed ticker. Consecutive fetch failures past maxErrors
// mark the transport disconnected and notify onConnectionChange, but the
// ticker keeps running so a later successful fetch can reconnect it —
// giving up the goroutine outright would make the disconnect permanent.
func (p *PollListener) loop(ctx context.Context, onCommand func(Command), onError func(error), onConnectionChange func(connected bool)) {
	defer close(p.done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	consecutiveErrors := 0
	disconnected := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cmds, err := p.fetch(ctx)
			if err != nil {
				consecutiveErrors++
				onError(err)
				if consecutiveErrors >= p.maxErrors && !disconnected {
					disconnected = true
					p.logger.Warn("poll transport exceeded max consecutive errors, marking disconnected", "errors", consecutiveErrors)
					if onConnectionChange != nil {
						onConnectionChange(false)
					}
				}
				continue
			}
			if disconnected {
				disconnected = false
				p.logger.Info("poll transport recovered")
				if onConnectionChange != nil {
					onConnectionChange(true)
				}
			}
			consecutiveErrors = 0
			for _, c := range cmds {
				onCommand(c)
			}
		}
	}
}

func (p *PollListener) fetch(ctx context.Context) ([]Command, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll endpoint returned status %d", resp.StatusCode)
	}

	var wire []wireCommand
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decoding poll response: %w", err)
	}

	cmds := make([]Command, len(wire))
	for i, wc := range wire {
		cmds[i] = wc.toCommand()
	}
	return cmds, nil
}

func (p *PollListener) Stop() error {
	if p.cancel != nil {
		p.cancel()
	}
	if p.done != nil {
		<-p.done
	}
	return nil
}

// StreamListener implements Transport over a long-lived HTTP connection
// delivering commands as Server-Sent Events: "data: {json-command}\n\n"
// lines, with blank/comment lines used as periodic heartbeats. It
// reconnects with exponential backoff up to maxBackoff on disconnect.
type StreamListener struct {
	endpoint   string
	maxBackoff time.Duration
	httpClient *http.Client
	logger     *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewStreamListener builds a streaming transport against endpoint.
func NewStreamListener(endpoint string, maxBackoff time.Duration, logger *slog.Logger) *StreamListener {
	if logger == nil {
		logger = slog.Default()
	}
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}
	return &StreamListener{
		endpoint:   endpoint,
		maxBackoff: maxBackoff,
		httpClient: &http.Client{},
		logger:     logger.With("component", "killswitch.StreamListener"),
	}
}

func (s *StreamListener) Name() string { return "stream" }

func (s *StreamListener) Start(ctx context.Context, onCommand func(Command), onError func(error), onConnectionChange func(connected bool)) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, onCommand, onError, onConnectionChange)
	return nil
}

func (s *StreamListener) loop(ctx context.Context, onCommand func(Command), onError func(error), onConnectionChange func(connected bool)) {
	defer close(s.done)

	backoff := 500 * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := s.connectOnce(ctx, onCommand, onConnectionChange); err != nil {
			onError(err)
			if onConnectionChange != nil {
				onConnectionChange(false)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > s.maxBackoff {
				backoff = s.maxBackoff
			}
			continue
		}
		backoff = 500 * time.Millisecond
	}
}

// connectOnce opens the SSE connection and reads it line by line. Lines
// starting with "data:" carry a JSON command; blank lines and lines
// starting with ":" are heartbeats/comments and are ignored.
func (s *StreamListener) connectOnce(ctx context.Context, onCommand func(Command), onConnectionChange func(connected bool)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream endpoint returned status %d", resp.StatusCode)
	}

	if onConnectionChange != nil {
		onConnectionChange(true)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "", strings.HasPrefix(line, ":"):
			// blank separator or SSE comment line; heartbeats arrive this way
			continue
		case strings.HasPrefix(line, "data:"):
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" {
				continue
			}
			var wc wireCommand
			if err := json.Unmarshal([]byte(payload), &wc); err != nil {
				return fmt.Errorf("decoding SSE data line: %w", err)
			}
			onCommand(wc.toCommand())
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return fmt.Errorf("stream closed by server")
}

func (s *StreamListener) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
	return nil
}
