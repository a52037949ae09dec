package crypto

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/docvault/docvault/internal/config"
	"github.com/docvault/docvault/internal/telemetry"
)

// WatchKeyring reloads the keyring file whenever it changes on disk and
// installs it into svc. Reloads that fail (bad file, dropped versions) are
// logged and the previous keyring stays in effect. It blocks until ctx is done.
func WatchKeyring(ctx context.Context, cfg *config.EncryptionConfig, svc *Service) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory so atomic rename-into-place updates are seen.
	target := filepath.Clean(cfg.KeyringFile)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			reloadKeyring(cfg, svc)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("keyring watcher error", "error", err)
		}
	}
}

func reloadKeyring(cfg *config.EncryptionConfig, svc *Service) {
	next, err := LoadKeyring(cfg)
	if err != nil && next == nil {
		slog.Error("keyring reload failed", "error", err)
		telemetry.KeyringReloadsTotal.WithLabelValues("failed").Inc()
		return
	}
	if err != nil {
		slog.Warn("keyring reloaded without memory lock", "error", err)
	}
	previous := svc.ActiveKeyVersion()
	if err := svc.SetKeyring(next); err != nil {
		slog.Error("keyring reload rejected", "error", err)
		telemetry.KeyringReloadsTotal.WithLabelValues("failed").Inc()
		return
	}
	telemetry.KeyringReloadsTotal.WithLabelValues("success").Inc()
	telemetry.ActiveKeyVersion.Set(float64(next.ActiveVersion()))
	slog.Info("keyring reloaded",
		"previous_active_version", previous,
		"active_version", next.ActiveVersion(),
		"versions", len(next.Versions()))
}
