// Package storage writes accepted messages to a Maildir.
package storage

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"

	"smtpfront/logging"
)

const (
	// MailboxDirPermissions holds the permissions used for the mailbox directories
	MailboxDirPermissions = 0750
	// MaildirFilePermissions holds the permissions used for maildir message files
	MaildirFilePermissions = 0600
)

var messageCounter atomic.Int64

// Mailbox is a Maildir rooted at the top of its filesystem.
type Mailbox struct {
	fs       afero.Fs
	hostname string
	logger   logging.Logger
}

// Message is what gets written to disk.
type Message struct {
	From           string
	To             []string
	ClientHostname string
	ReceivedAt     time.Time
	Content        []byte
}

// OpenMailbox opens (and creates if needed) a Maildir in directory on the
// local disk.
func OpenMailbox(directory, hostname string, logger logging.Logger) (*Mailbox, error) {
	if err := os.MkdirAll(directory, MailboxDirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create mailbox directory: %w", err)
	}
	return NewMailbox(afero.NewBasePathFs(afero.NewOsFs(), directory), hostname, logger)
}

// NewMailbox creates the new/, cur/ and tmp/ subdirectories on fs.
func NewMailbox(fs afero.Fs, hostname string, logger logging.Logger) (*Mailbox, error) {
	for _, subdir := range []string{"new", "cur", "tmp"} {
		if err := fs.MkdirAll(subdir, MailboxDirPermissions); err != nil {
			return nil, fmt.Errorf("failed to create maildir subdirectory %s: %w", subdir, err)
		}
	}

	if hostname == "" {
		hostname = "localhost"
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	return &Mailbox{
		fs:       fs,
		hostname: hostname,
		logger:   logger,
	}, nil
}

// SaveMessage writes msg to tmp/ and then moves it into new/. It returns the
// Maildir file name.
func (m *Mailbox) SaveMessage(msg *Message) (string, error) {
	now := msg.ReceivedAt
	if now.IsZero() {
		now = time.Now()
	}

	tmpFile, err := afero.TempFile(m.fs, "tmp", "msg-")
	if err != nil {
		return "", fmt.Errorf("failed to create temp message file: %w", err)
	}
	tmpPath := tmpFile.Name()

	_, writeErr := tmpFile.Write(m.render(msg, now))
	if closeErr := tmpFile.Close(); closeErr != nil {
		writeErr = errors.Join(writeErr, closeErr)
	}

	if writeErr != nil {
		m.removeQuietly(tmpPath)
		return "", fmt.Errorf("failed to write message: %w", writeErr)
	}

	if err := m.fs.Chmod(tmpPath, MaildirFilePermissions); err != nil {
		m.logger.Warn("Failed to chmod temp file", logging.F("path", tmpPath), logging.F("err", err))
	}

	filename := generateMailFilename(now, &messageCounter, m.hostname)
	newPath := filepath.Join("new", filename)
	if err := m.fs.Rename(tmpPath, newPath); err != nil {
		m.removeQuietly(tmpPath)
		return "", fmt.Errorf("failed to deliver message to new/: %w", err)
	}

	m.logger.Debug("Message saved", logging.F("path", newPath))
	return filename, nil
}

// render prepends envelope headers to the raw content.
func (m *Mailbox) render(msg *Message, now time.Time) []byte {
	var buf bytes.Buffer

	from := msg.ClientHostname
	if from == "" {
		from = "unknown"
	}
	fmt.Fprintf(&buf, "Return-Path: <%s>\r\n", msg.From)
	if len(msg.To) > 0 {
		fmt.Fprintf(&buf, "Delivered-To: %s\r\n", strings.Join(msg.To, ", "))
	}
	fmt.Fprintf(&buf, "Received: from %s by %s; %s\r\n", from, m.hostname, now.Format(time.RFC1123Z))
	buf.Write(msg.Content)

	return buf.Bytes()
}

func (m *Mailbox) removeQuietly(path string) {
	if err := m.fs.Remove(path); err != nil {
		m.logger.Error("Failed to remove temp file", err, logging.F("path", path))
	}
}

// generateMailFilename generates a maildir-compliant filename
func generateMailFilename(now time.Time, counter *atomic.Int64, hostname string) string {
	c := counter.Add(1)
	unique := fmt.Sprintf("%d_%d_%d", now.UnixMicro(), os.Getpid(), c)
	return fmt.Sprintf("%d.%s.%s", now.Unix(), unique, hostname)
}

// ListMessages lists the messages in new/ and cur/, as paths relative to the
// mailbox root.
func (m *Mailbox) ListMessages() ([]string, error) {
	var all []string
	for _, subdir := range []string{"new", "cur"} {
		files, err := afero.Glob(m.fs, filepath.Join(subdir, "*"))
		if err != nil {
			return nil, fmt.Errorf("failed to list messages in %s: %w", subdir, err)
		}
		all = append(all, files...)
	}
	return all, nil
}

// ReadMessage returns the stored bytes of a message listed by ListMessages.
func (m *Mailbox) ReadMessage(path string) ([]byte, error) {
	clean := filepath.Clean(path)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return nil, fmt.Errorf("invalid message path %q", path)
	}
	return afero.ReadFile(m.fs, clean)
}

// Clear removes all messages from new/ and cur/.
func (m *Mailbox) Clear() error {
	files, err := m.ListMessages()
	if err != nil {
		return err
	}

	var errs []error
	for _, file := range files {
		if err := m.fs.Remove(file); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", file, err))
		}
	}

	m.logger.Info("Cleared messages from mailbox", logging.F("count", len(files)-len(errs)))
	return errors.Join(errs...)
}
