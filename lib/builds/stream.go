package builds

import (
	"bytes"
	"context"
	"io"
	"os"
	"time"
)

const (
	logPollInterval   = 200 * time.Millisecond
	heartbeatInterval = 30 * time.Second
)

// StreamBuildEvents streams build events (logs, status changes, heartbeats)
func (m *manager) StreamBuildEvents(ctx context.Context, id string, follow bool) (<-chan BuildEvent, error) {
	meta, err := readMetadata(m.paths, id)
	if err != nil {
		return nil, err
	}

	out := make(chan BuildEvent, 100)
	isComplete := IsTerminal(meta.Status)

	go func() {
		defer close(out)

		statusChan := make(chan BuildEvent, 10)
		if follow && !isComplete {
			m.subscribeToStatus(id, statusChan)
			defer m.unsubscribeFromStatus(id, statusChan)
		}

		// Tail the log file in-process. The tailer closes logLines when it
		// reaches EOF in non-follow mode; in follow mode it keeps polling
		// until the stream context is cancelled.
		tailCtx, tailCancel := context.WithCancel(ctx)
		defer tailCancel()

		logLines := make(chan string, 100)
		go tailLog(tailCtx, m.paths.BuildLog(id), follow && !isComplete, logLines)

		heartbeatTicker := time.NewTicker(heartbeatInterval)
		defer heartbeatTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return

			case line, ok := <-logLines:
				if !ok {
					// Log stream ended
					return
				}
				event := BuildEvent{
					Type:      EventTypeLog,
					Timestamp: time.Now(),
					Content:   line,
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}

			case event := <-statusChan:
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
				if IsTerminal(event.Status) {
					// Give the tailer a moment to drain final log lines
					drainDeadline := time.After(500 * time.Millisecond)
					for {
						select {
						case line, ok := <-logLines:
							if !ok {
								return
							}
							select {
							case out <- BuildEvent{Type: EventTypeLog, Timestamp: time.Now(), Content: line}:
							case <-ctx.Done():
								return
							}
						case <-drainDeadline:
							return
						case <-ctx.Done():
							return
						}
					}
				}

			case <-heartbeatTicker.C:
				if !follow {
					continue
				}
				event := BuildEvent{
					Type:      EventTypeHeartbeat,
					Timestamp: time.Now(),
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// tailLog streams lines from a log file into out, closing out when done.
// In follow mode it polls for appended data until ctx is cancelled; the
// file may not exist yet, in which case it waits for it to appear.
func tailLog(ctx context.Context, path string, follow bool, out chan<- string) {
	defer close(out)

	var offset int64
	var partial []byte

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		f, err := os.Open(path)
		if err != nil {
			if !follow {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(logPollInterval):
			}
			continue
		}

		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return
		}
		offset += int64(len(data))

		buf := append(partial, data...)
		for {
			idx := bytes.IndexByte(buf, '\n')
			if idx < 0 {
				break
			}
			line := string(buf[:idx])
			buf = buf[idx+1:]
			select {
			case out <- line:
			case <-ctx.Done():
				return
			}
		}
		partial = buf

		if !follow {
			if len(partial) > 0 {
				select {
				case out <- string(partial):
				case <-ctx.Done():
				}
			}
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(logPollInterval):
		}
	}
}
