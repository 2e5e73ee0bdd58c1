package log

import (
	"fmt"
	"log/syslog"
	"regexp"
	"sync"
)

// NewMock creates a mock logger for use in tests.
func NewMock() *Mock {
	return &Mock{impl{newMockWriter()}}
}

// Mock is a logger that stores all log messages in memory to be examined by
// a test.
type Mock struct {
	impl
}

type mockWriter struct {
	mu  sync.Mutex
	msg []string
}

var levelNames = map[syslog.Priority]string{
	syslog.LOG_ERR:     "ERR",
	syslog.LOG_WARNING: "WARNING",
	syslog.LOG_INFO:    "INFO",
	syslog.LOG_DEBUG:   "DEBUG",
}

func (w *mockWriter) logAtLevel(level syslog.Priority, msg string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msg = append(w.msg, fmt.Sprintf("%s: %s", levelNames[level], msg))
}

func newMockWriter() *mockWriter {
	return &mockWriter{}
}

// GetAll returns all messages logged since instantiation or the last call
// to Clear(). The format is "LEVEL: MESSAGE".
func (m *Mock) GetAll() []string {
	w := m.w.(*mockWriter)
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string{}, w.msg...)
}

// GetAllMatching returns all messages logged since instantiation or the
// last Clear() whose text matches the given regexp.
func (m *Mock) GetAllMatching(reString string) []string {
	re := regexp.MustCompile(reString)
	w := m.w.(*mockWriter)
	w.mu.Lock()
	defer w.mu.Unlock()
	var matches []string
	for _, logMsg := range w.msg {
		if re.MatchString(logMsg) {
			matches = append(matches, logMsg)
		}
	}
	return matches
}

// Clear discards all stored messages.
func (m *Mock) Clear() {
	w := m.w.(*mockWriter)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msg = nil
}
