package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"loom/internal/config"
	"loom/internal/coorderr"
	"loom/internal/fileutil"
	"loom/internal/logging"
)

const (
	// DirName is the messages directory under the coordination root.
	DirName = "messages"

	processedDir = "processed"
	failedDir    = "failed"

	defaultPollInterval = time.Second
)

// ErrMessageHandler marks a handler that returned an error or panicked.
var ErrMessageHandler = coorderr.ErrMessageHandler

// Handler consumes one message. Errors are logged and never stop dispatch.
// Handlers run on the dispatch goroutine and must not call Stop.
type Handler func(ctx context.Context, msg Message) error

// Subscription identifies a registered handler for Unsubscribe.
type Subscription uint64

type subscriber struct {
	id      Subscription
	handler Handler
}

// Bus publishes messages and dispatches those addressed to one recipient.
type Bus struct {
	root        string
	recipient   string
	ownDir      string
	poll        time.Duration
	useFsnotify bool
	logger      *slog.Logger

	mu       sync.RWMutex
	handlers map[string][]subscriber
	nextSub  Subscription

	dispatchMu sync.Mutex
	// Direct messages dispatched but not archived, so a failing rename does
	// not redeliver them.
	stuck map[string]struct{}

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	watcher     Watcher
	wg          sync.WaitGroup
}

// Option configures a Bus.
type Option func(*Bus)

// WithPollInterval sets the directory poll cadence.
func WithPollInterval(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.poll = d
		}
	}
}

// WithFsnotify toggles push notification.
func WithFsnotify(enabled bool) Option {
	return func(b *Bus) { b.useFsnotify = enabled }
}

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = logging.NewComponentLogger(logger, "bus").With(logging.String("recipient", b.recipient))
	}
}

// New constructs the bus for recipient under root/messages.
func New(root, recipient string, opts ...Option) (*Bus, error) {
	if err := validateRecipient(recipient); err != nil {
		return nil, err
	}
	base := filepath.Join(root, DirName)
	b := &Bus{
		root:        base,
		recipient:   recipient,
		ownDir:      filepath.Join(base, recipient),
		poll:        defaultPollInterval,
		useFsnotify: true,
		handlers:    map[string][]subscriber{},
		stuck:       map[string]struct{}{},
	}
	b.logger = logging.NewComponentLogger(nil, "bus").With(logging.String("recipient", recipient))
	for _, opt := range opts {
		opt(b)
	}
	if err := fileutil.EnsureDirs(b.ownDir, b.broadcastDir(), b.dir(Orchestrator)); err != nil {
		return nil, err
	}
	return b, nil
}

// NewFromConfig constructs a bus using the configured delivery settings.
func NewFromConfig(cfg *config.Config, recipient string, logger *slog.Logger, opts ...Option) (*Bus, error) {
	base := []Option{
		WithPollInterval(cfg.BusPollInterval()),
		WithFsnotify(cfg.Bus.UseFsnotify),
		WithLogger(logger),
	}
	return New(cfg.Paths.Root, recipient, append(base, opts...)...)
}

// Recipient returns the name this bus dispatches for.
func (b *Bus) Recipient() string { return b.recipient }

func (b *Bus) dir(recipient string) string { return filepath.Join(b.root, recipient) }

func (b *Bus) broadcastDir() string { return b.dir(Broadcast) }

// Publish writes msg to its recipient's directory. Missing id, timestamp and
// priority are filled in.
func (b *Bus) Publish(msg Message) error {
	if err := validateRecipient(msg.To); err != nil {
		return err
	}
	if strings.TrimSpace(msg.Type) == "" {
		return coorderr.Wrap(coorderr.ErrValidation, "bus", "publish", "message type is required", nil)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if msg.ID == "" {
		msg.ID = NewID(msg.Timestamp)
	}
	if msg.Priority == 0 {
		msg.Priority = DefaultPriority
	}
	if msg.Status == "" {
		msg.Status = "pending"
	}
	if msg.From == "" {
		msg.From = b.recipient
	}
	if msg.Payload == nil {
		msg.Payload = map[string]any{}
	}
	path := filepath.Join(b.dir(msg.To), msg.ID+".json")
	if err := fileutil.WriteJSON(path, msg); err != nil {
		return fmt.Errorf("publish %s to %s: %w", msg.Type, msg.To, err)
	}
	b.logger.Debug("message published",
		logging.String(logging.FieldMessageID, msg.ID),
		logging.String(logging.FieldMessageType, msg.Type),
		logging.String("to", msg.To),
	)
	return nil
}

// Subscribe registers handler for msgType, or every type with TypeAny.
func (b *Bus) Subscribe(msgType string, handler Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSub++
	b.handlers[msgType] = append(b.handlers[msgType], subscriber{id: b.nextSub, handler: handler})
	return b.nextSub
}

// Unsubscribe removes a handler registered for msgType.
func (b *Bus) Unsubscribe(msgType string, sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.handlers[msgType]
	for i, s := range subs {
		if s.id == sub {
			b.handlers[msgType] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.handlers[msgType]) == 0 {
		delete(b.handlers, msgType)
	}
}

// Start dispatches pending messages, then keeps dispatching new ones until Stop
// or ctx cancellation. Starting a running bus is a no-op.
func (b *Bus) Start(ctx context.Context) error {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()
	if b.cancel != nil {
		return nil
	}
	if _, err := b.Drain(ctx); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	w := newWatcher([]string{b.ownDir, b.broadcastDir()}, b.useFsnotify, b.poll, b.logger)
	b.cancel = cancel
	b.watcher = w

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-runCtx.Done():
				return
			case dir := <-w.Events():
				if _, err := b.dispatchDir(runCtx, dir); err != nil && runCtx.Err() == nil {
					b.logger.Warn("message dispatch failed", logging.Error(err))
				}
			}
		}
	}()
	b.logger.Debug("bus started")
	return nil
}

// Stop halts background dispatch and waits for an in-flight dispatch to finish.
func (b *Bus) Stop() {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()
	if b.cancel == nil {
		return
	}
	b.cancel()
	_ = b.watcher.Close()
	b.wg.Wait()
	b.cancel = nil
	b.watcher = nil
	b.logger.Debug("bus stopped")
}

// Drain synchronously dispatches everything currently pending and returns the
// number of messages delivered.
func (b *Bus) Drain(ctx context.Context) (int, error) {
	direct, err := b.dispatchDir(ctx, b.ownDir)
	if err != nil {
		return direct, err
	}
	broadcast, err := b.dispatchDir(ctx, b.broadcastDir())
	return direct + broadcast, err
}

// Pending lists the undelivered messages addressed to recipient, in order.
func (b *Bus) Pending(recipient string) ([]Message, error) {
	if err := validateRecipient(recipient); err != nil {
		return nil, err
	}
	names, err := messageFiles(b.dir(recipient))
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(names))
	for _, name := range names {
		msg, err := readMessage(filepath.Join(b.dir(recipient), name))
		if err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func (b *Bus) dispatchDir(ctx context.Context, dir string) (int, error) {
	b.dispatchMu.Lock()
	defer b.dispatchMu.Unlock()

	broadcast := dir == b.broadcastDir()
	names, err := messageFiles(dir)
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		path := filepath.Join(dir, name)
		if broadcast {
			if b.broadcastSeen(name) {
				continue
			}
		} else if _, ok := b.stuck[name]; ok {
			continue
		}

		msg, err := readMessage(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			b.quarantine(dir, name, broadcast, err)
			continue
		}
		if broadcast && msg.From == b.recipient {
			b.markBroadcast(path, name)
			continue
		}

		b.dispatch(ctx, msg)
		delivered++
		if broadcast {
			b.markBroadcast(path, name)
		} else {
			b.archive(dir, name)
		}
	}
	return delivered, nil
}

func (b *Bus) dispatch(ctx context.Context, msg Message) {
	b.mu.RLock()
	subs := append([]subscriber(nil), b.handlers[msg.Type]...)
	if msg.Type != TypeAny {
		subs = append(subs, b.handlers[TypeAny]...)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		if err := b.invoke(ctx, s.handler, msg); err != nil {
			logging.WarnWithContext(b.logger, "message handler failed", "message_handler_error",
				logging.String(logging.FieldMessageID, msg.ID),
				logging.String(logging.FieldMessageType, msg.Type),
				logging.String("from", msg.From),
				logging.Error(err),
				logging.String(logging.FieldImpact, "message archived; remaining handlers still ran"),
			)
		}
	}
}

func (b *Bus) invoke(ctx context.Context, handler Handler, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = coorderr.Wrap(ErrMessageHandler, "bus", "dispatch", fmt.Sprintf("%s handler panicked: %v", msg.Type, r), nil)
		}
	}()
	if err := handler(ctx, msg); err != nil {
		return coorderr.Wrap(ErrMessageHandler, "bus", "dispatch", msg.Type, err)
	}
	return nil
}

func (b *Bus) archive(dir, name string) {
	target := filepath.Join(dir, processedDir, name)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err == nil {
		if err = os.Rename(filepath.Join(dir, name), target); err == nil {
			return
		}
		b.logger.Warn("archive message failed", logging.String("file", name), logging.Error(err))
	}
	b.stuck[name] = struct{}{}
}

func (b *Bus) broadcastMarker(name string) string {
	return filepath.Join(b.broadcastDir(), processedDir, b.recipient, name)
}

func (b *Bus) broadcastSeen(name string) bool {
	_, err := os.Stat(b.broadcastMarker(name))
	return err == nil
}

func (b *Bus) markBroadcast(path, name string) {
	marker := b.broadcastMarker(name)
	if err := os.MkdirAll(filepath.Dir(marker), 0o755); err != nil {
		b.logger.Warn("broadcast archive dir failed", logging.Error(err))
		return
	}
	if err := os.Link(path, marker); err == nil || errors.Is(err, fs.ErrExist) {
		return
	}
	if err := fileutil.CopyFile(path, marker); err != nil {
		b.logger.Warn("broadcast archive failed", logging.String("file", name), logging.Error(err))
	}
}

func (b *Bus) quarantine(dir, name string, broadcast bool, cause error) {
	target := filepath.Join(dir, failedDir, name)
	if broadcast {
		// Other recipients may still read the file; record the failure for us only.
		b.markBroadcast(filepath.Join(dir, name), name)
	} else if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil || os.Rename(filepath.Join(dir, name), target) != nil {
		b.stuck[name] = struct{}{}
	}
	logging.WarnWithContext(b.logger, "unreadable message set aside", "message_unreadable",
		logging.String("file", name),
		logging.Error(cause),
		logging.String(logging.FieldImpact, "message was not delivered"),
		logging.String(logging.FieldErrorHint, "inspect the file under failed/"),
	)
}

// PruneBroadcast deletes broadcast messages and their per-recipient archives
// older than olderThan, returning how many messages were removed.
func (b *Bus) PruneBroadcast(olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	names, err := messageFiles(b.broadcastDir())
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, name := range names {
		path := filepath.Join(b.broadcastDir(), name)
		info, err := os.Stat(path)
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(path); err == nil {
			removed++
		}
	}
	archiveRoot := filepath.Join(b.broadcastDir(), processedDir)
	recipients, err := os.ReadDir(archiveRoot)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return removed, err
	}
	for _, r := range recipients {
		if !r.IsDir() {
			continue
		}
		dir := filepath.Join(archiveRoot, r.Name())
		archived, _ := messageFiles(dir)
		for _, name := range archived {
			path := filepath.Join(dir, name)
			if info, err := os.Stat(path); err == nil && info.ModTime().Before(cutoff) {
				_ = os.Remove(path)
			}
		}
	}
	return removed, nil
}

func messageFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func readMessage(path string) (Message, error) {
	var msg Message
	data, err := os.ReadFile(path)
	if err != nil {
		return msg, err
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("decode message: %w", err)
	}
	if msg.Type == "" {
		return msg, errors.New("decode message: missing type")
	}
	return msg, nil
}

func validateRecipient(name string) error {
	switch {
	case strings.TrimSpace(name) == "",
		name == processedDir, name == failedDir,
		strings.ContainsAny(name, `/\`), strings.HasPrefix(name, "."):
		return coorderr.Wrap(coorderr.ErrValidation, "bus", "recipient", fmt.Sprintf("invalid recipient %q", name), nil)
	}
	return nil
}
