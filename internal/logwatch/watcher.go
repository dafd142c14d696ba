package logwatch

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/mcpgate/mcpgate/internal/logging"
	"github.com/mcpgate/mcpgate/internal/metrics"
)

// DefaultSubscriberBuffer is the per-subscriber channel capacity used
// when none is configured.
const DefaultSubscriberBuffer = 1000

// Manager tails per-server log directories and fans new lines out to
// subscribers. One filesystem watcher exists per server, created on the
// first subscription and torn down when the last subscriber leaves.
type Manager struct {
	baseDir string
	bufSize int
	logger  *logging.Logger

	mu       sync.Mutex
	watchers map[string]*serverWatcher
}

// Subscription is one subscriber's view of a server's log stream.
// Receive from C; the channel is closed on unsubscribe.
type Subscription struct {
	C <-chan Event

	serverID string
	ch       chan Event
	lagged   int
	closed   bool
}

type offsetKey struct {
	logType LogType
	date    string
}

type serverWatcher struct {
	serverID string
	dir      string
	fsw      *fsnotify.Watcher
	refs     int
	logger   *logging.Logger
	done     chan struct{}

	// offsets is touched only by the run goroutine after construction.
	offsets map[offsetKey]int64

	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// NewManager creates a log watcher manager rooted at baseDir. Each
// server's files live in baseDir/<serverID>/. bufSize is the per-
// subscriber channel capacity.
func NewManager(baseDir string, bufSize int, logger *logging.Logger) *Manager {
	if bufSize <= 0 {
		bufSize = DefaultSubscriberBuffer
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Manager{
		baseDir:  baseDir,
		bufSize:  bufSize,
		logger:   logger.Component("logwatch"),
		watchers: make(map[string]*serverWatcher),
	}
}

// Subscribe starts streaming a server's log entries. The first
// subscription for a server creates its filesystem watcher; lines
// already in the files are skipped, only appends after this call are
// delivered.
func (m *Manager) Subscribe(serverID string) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.watchers[serverID]
	if !ok {
		var err error
		w, err = m.newServerWatcher(serverID)
		if err != nil {
			return nil, err
		}
		m.watchers[serverID] = w
		go w.run()
	}
	w.refs++

	sub := &Subscription{
		serverID: serverID,
		ch:       make(chan Event, m.bufSize),
	}
	sub.C = sub.ch

	w.mu.Lock()
	w.subs[sub] = struct{}{}
	w.mu.Unlock()

	m.logger.Debug("Log subscription added", "server_id", serverID, "subscribers", w.refs)
	return sub, nil
}

// Unsubscribe removes a subscription and closes its channel. The
// server's watcher is torn down when the last subscriber leaves.
// Calling Unsubscribe twice is harmless.
func (m *Manager) Unsubscribe(sub *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.watchers[sub.serverID]
	if !ok {
		return
	}

	w.mu.Lock()
	if _, member := w.subs[sub]; !member {
		w.mu.Unlock()
		return
	}
	delete(w.subs, sub)
	sub.closed = true
	close(sub.ch)
	w.mu.Unlock()

	w.refs--
	if w.refs <= 0 {
		delete(m.watchers, sub.serverID)
		w.stop()
		m.logger.Debug("Log watcher stopped", "server_id", sub.serverID)
	}
}

// ActiveWatchers returns the number of servers currently being watched.
func (m *Manager) ActiveWatchers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watchers)
}

// Close tears down all watchers and closes all subscriber channels.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for serverID, w := range m.watchers {
		w.mu.Lock()
		for sub := range w.subs {
			delete(w.subs, sub)
			sub.closed = true
			close(sub.ch)
		}
		w.mu.Unlock()
		w.stop()
		delete(m.watchers, serverID)
	}
}

func (m *Manager) newServerWatcher(serverID string) (*serverWatcher, error) {
	dir := filepath.Join(m.baseDir, serverID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %q: %w", dir, err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch %q: %w", dir, err)
	}

	w := &serverWatcher{
		serverID: serverID,
		dir:      dir,
		fsw:      fsw,
		logger:   m.logger,
		done:     make(chan struct{}),
		offsets:  make(map[offsetKey]int64),
		subs:     make(map[*Subscription]struct{}),
	}

	// Offsets start at current file sizes so pre-existing content is
	// never re-delivered.
	files, err := os.ReadDir(dir)
	if err == nil {
		for _, file := range files {
			logType, ok := ClassifyFile(file.Name())
			if !ok {
				continue
			}
			info, err := file.Info()
			if err != nil {
				continue
			}
			w.offsets[offsetKey{logType, fileDate(file.Name(), logType)}] = info.Size()
		}
	}

	return w, nil
}

func (w *serverWatcher) run() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.handleModify(ev.Name)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Filesystem watcher error", "server_id", w.serverID, "error", err)
		case <-w.done:
			return
		}
	}
}

func (w *serverWatcher) stop() {
	close(w.done)
	w.fsw.Close()
}

// handleModify reads the bytes appended since the last recorded offset
// for this file and publishes each complete, well-formed line. Offsets
// never move backwards; a partial trailing line is left for the next
// event.
func (w *serverWatcher) handleModify(path string) {
	base := filepath.Base(path)
	logType, ok := ClassifyFile(base)
	if !ok {
		return
	}
	key := offsetKey{logType, fileDate(base, logType)}
	offset := w.offsets[key]

	f, err := os.Open(path)
	if err != nil {
		w.logger.Warn("Failed to open log file", "path", path, "error", err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.Size() <= offset {
		return
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		w.logger.Warn("Failed to seek log file", "path", path, "error", err)
		return
	}

	reader := bufio.NewReader(f)
	consumed := offset
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		consumed += int64(len(line))

		line = strings.TrimRight(line, "\r\n")
		ts, level, message, ok := ParseLine(line)
		if !ok {
			continue
		}
		w.publish(&Entry{
			ServerID:  w.serverID,
			Type:      logType,
			Level:     level,
			Message:   message,
			Timestamp: ts,
		})
	}
	w.offsets[key] = consumed
}

// publish delivers an entry to every subscriber without blocking. A
// full subscriber accumulates a lag count which is delivered as an
// explicit notice once the channel has room again.
func (w *serverWatcher) publish(entry *Entry) {
	w.mu.Lock()
	defer w.mu.Unlock()

	dropped := 0
	for sub := range w.subs {
		if sub.lagged > 0 {
			select {
			case sub.ch <- Event{Lagged: sub.lagged}:
				sub.lagged = 0
			default:
				sub.lagged++
				dropped++
				continue
			}
		}
		select {
		case sub.ch <- Event{Entry: entry}:
		default:
			sub.lagged++
			dropped++
		}
	}
	metrics.Default().TrackWatcherEvent(dropped)
}
