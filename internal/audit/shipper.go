package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/docvault/docvault/internal/config"
	"github.com/docvault/docvault/internal/db/models"
)

// Shipper forwards committed audit records to an external destination such as a SIEM.
type Shipper interface {
	// Ship sends an audit record to the destination
	Ship(ctx context.Context, record *models.AuditLog) error
	// Close flushes and releases resources
	Close() error
}

// WebhookConfig holds webhook shipper configuration
type WebhookConfig struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration
	// BatchSize is how many records to batch before sending (0 = no batching)
	BatchSize     int
	FlushInterval time.Duration
}

// FileConfig holds file shipper configuration
type FileConfig struct {
	Path string
	// MaxSizeMB is the file size that triggers rotation (0 = never rotate)
	MaxSizeMB  int
	MaxBackups int
}

// MultiShipper ships to multiple destinations
type MultiShipper struct {
	shippers []Shipper
	mu       sync.RWMutex
}

// NewMultiShipper creates a multi-shipper from the audit.shippers config section. Disabled
// entries are skipped.
func NewMultiShipper(configs []config.AuditShipperConfig) (*MultiShipper, error) {
	ms := &MultiShipper{shippers: make([]Shipper, 0)}

	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}

		var (
			shipper Shipper
			err     error
		)
		switch cfg.Type {
		case "webhook":
			if cfg.Webhook == nil {
				return nil, fmt.Errorf("webhook config is required for webhook shipper")
			}
			shipper, err = NewWebhookShipper(&WebhookConfig{
				URL:           cfg.Webhook.URL,
				Headers:       cfg.Webhook.Headers,
				Timeout:       time.Duration(cfg.Webhook.TimeoutSecs) * time.Second,
				BatchSize:     cfg.Webhook.BatchSize,
				FlushInterval: time.Duration(cfg.Webhook.FlushInterval) * time.Second,
			})
		case "file":
			if cfg.File == nil {
				return nil, fmt.Errorf("file config is required for file shipper")
			}
			shipper, err = NewFileShipper(&FileConfig{
				Path:       cfg.File.Path,
				MaxSizeMB:  cfg.File.MaxSizeMB,
				MaxBackups: cfg.File.MaxBackups,
			})
		default:
			return nil, fmt.Errorf("unknown shipper type: %s", cfg.Type)
		}
		if err != nil {
			_ = ms.Close()
			return nil, fmt.Errorf("failed to create %s shipper: %w", cfg.Type, err)
		}

		ms.shippers = append(ms.shippers, shipper)
	}

	return ms, nil
}

// Add registers an additional shipper.
func (ms *MultiShipper) Add(s Shipper) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.shippers = append(ms.shippers, s)
}

// Len returns the number of active shippers.
func (ms *MultiShipper) Len() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.shippers)
}

// Ship sends a record to every shipper. A failing shipper does not stop the others; all
// failures are joined into the returned error.
func (ms *MultiShipper) Ship(ctx context.Context, record *models.AuditLog) error {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var errs []error
	for _, shipper := range ms.shippers {
		if err := shipper.Ship(ctx, record); err != nil {
			slog.Warn("audit shipper failed", "action", record.Action, "audit_id", record.ID, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes all shippers
func (ms *MultiShipper) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var errs []error
	for _, shipper := range ms.shippers {
		if err := shipper.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WebhookShipper POSTs audit records as JSON. With batching enabled, records are sent as a JSON
// array when the batch fills, on the flush interval, and on Close.
type WebhookShipper struct {
	cfg       *WebhookConfig
	client    *http.Client
	batchCh   chan *models.AuditLog
	batch     []*models.AuditLog
	batchMu   sync.Mutex
	closeCh   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewWebhookShipper creates a new webhook shipper
func NewWebhookShipper(cfg *WebhookConfig) (*WebhookShipper, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	ws := &WebhookShipper{
		cfg:     cfg,
		client:  &http.Client{Timeout: timeout},
		batchCh: make(chan *models.AuditLog, 1000),
		batch:   make([]*models.AuditLog, 0),
		closeCh: make(chan struct{}),
		done:    make(chan struct{}),
	}

	if cfg.BatchSize > 0 {
		go ws.processBatches()
	} else {
		close(ws.done)
	}

	return ws, nil
}

func (ws *WebhookShipper) processBatches() {
	defer close(ws.done)

	flushInterval := ws.cfg.FlushInterval
	if flushInterval == 0 {
		flushInterval = 5 * time.Second
	}
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case record := <-ws.batchCh:
			ws.batchMu.Lock()
			ws.batch = append(ws.batch, record)
			if len(ws.batch) >= ws.cfg.BatchSize {
				ws.flushBatch()
			}
			ws.batchMu.Unlock()
		case <-ticker.C:
			ws.batchMu.Lock()
			ws.flushBatch()
			ws.batchMu.Unlock()
		case <-ws.closeCh:
			ws.batchMu.Lock()
		drain:
			for {
				select {
				case record := <-ws.batchCh:
					ws.batch = append(ws.batch, record)
				default:
					break drain
				}
			}
			ws.flushBatch()
			ws.batchMu.Unlock()
			return
		}
	}
}

// flushBatch sends the current batch. batchMu must be held.
func (ws *WebhookShipper) flushBatch() {
	if len(ws.batch) == 0 {
		return
	}
	defer func() { ws.batch = ws.batch[:0] }()

	data, err := json.Marshal(ws.batch)
	if err != nil {
		slog.Error("failed to marshal audit batch", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), ws.client.Timeout)
	defer cancel()
	if err := ws.sendRequest(ctx, data); err != nil {
		slog.Warn("failed to send audit batch", "records", len(ws.batch), "error", err)
	}
}

// Ship sends a record to the webhook. When batching, the record is queued; a full queue falls
// back to a direct send.
func (ws *WebhookShipper) Ship(ctx context.Context, record *models.AuditLog) error {
	if ws.cfg.BatchSize > 0 {
		select {
		case ws.batchCh <- record:
			return nil
		default:
		}
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}
	return ws.sendRequest(ctx, data)
}

func (ws *WebhookShipper) sendRequest(ctx context.Context, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ws.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range ws.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := ws.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Close stops the batch processor after flushing queued records.
func (ws *WebhookShipper) Close() error {
	ws.closeOnce.Do(func() {
		close(ws.closeCh)
	})
	<-ws.done
	return nil
}

// FileShipper appends audit records to a JSONL file with size-based rotation.
type FileShipper struct {
	cfg  *FileConfig
	file *os.File
	mu   sync.Mutex
}

// NewFileShipper creates a new file shipper
func NewFileShipper(cfg *FileConfig) (*FileShipper, error) {
	file, err := os.OpenFile(cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}
	return &FileShipper{cfg: cfg, file: file}, nil
}

// Ship writes a record as one JSON line
func (fs *FileShipper) Ship(ctx context.Context, record *models.AuditLog) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.cfg.MaxSizeMB > 0 {
		info, err := fs.file.Stat()
		if err == nil && info.Size() > int64(fs.cfg.MaxSizeMB)*1024*1024 {
			if err := fs.rotate(); err != nil {
				slog.Error("failed to rotate audit log file", "path", fs.cfg.Path, "error", err)
			}
		}
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}
	if _, err := fs.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write audit record: %w", err)
	}
	return nil
}

func (fs *FileShipper) rotate() error {
	if err := fs.file.Close(); err != nil {
		return err
	}

	for i := fs.cfg.MaxBackups - 1; i >= 1; i-- {
		_ = os.Rename(fmt.Sprintf("%s.%d", fs.cfg.Path, i), fmt.Sprintf("%s.%d", fs.cfg.Path, i+1))
	}
	_ = os.Rename(fs.cfg.Path, fs.cfg.Path+".1")
	if fs.cfg.MaxBackups > 0 {
		_ = os.Remove(fmt.Sprintf("%s.%d", fs.cfg.Path, fs.cfg.MaxBackups+1))
	}

	file, err := os.OpenFile(fs.cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	fs.file = file
	return nil
}

// Close closes the file
func (fs *FileShipper) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.file.Close()
}
