package gc

import (
	"context"
	"errors"
	"fmt"
	"time"

	framecache "github.com/wolfeidau/frame-cache"
	"github.com/wolfeidau/frame-cache/telemetry"
	"github.com/wolfeidau/frame-cache/vault"
)

// keyFiles is every vault file stored at one content key.
type keyFiles struct {
	objects  []vault.Entry
	sidecars []vault.Entry
	ltf      *vault.Entry
}

func groupByKey(entries []vault.Entry) map[framecache.ContentKey]*keyFiles {
	files := make(map[framecache.ContentKey]*keyFiles)
	for _, e := range entries {
		kf, ok := files[e.Key]
		if !ok {
			kf = &keyFiles{}
			files[e.Key] = kf
		}
		switch {
		case e.IsObject():
			kf.objects = append(kf.objects, e)
		case e.Suffix == vault.LTFSuffix:
			kf.ltf = &e
		case e.Suffix == vault.InfoSuffix, e.Suffix == vault.OwnersSuffix:
			kf.sidecars = append(kf.sidecars, e)
		}
	}
	return files
}

// phaseTemps removes temp files left behind by interrupted writes.
func (m *Manager) phaseTemps(ctx context.Context, result *Result) {
	m.logger.Debug("phase: temp files")
	start := time.Now()

	n, err := m.vault.CleanTemps(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("clean temps: %v", err))
		m.logger.Error("failed to clean temp files", "error", err)
	}
	result.TempsRemoved += n
	telemetry.RecordGCPhase(ctx, "temps", n, time.Since(start))
}

// phaseOrphanSidecars deletes info and owner sidecars whose object is gone.
func (m *Manager) phaseOrphanSidecars(ctx context.Context, files map[framecache.ContentKey]*keyFiles, result *Result) {
	m.logger.Debug("phase: orphan sidecars")
	start := time.Now()

	deleted := 0
	for key, kf := range files {
		if deleted >= m.config.BatchSize || ctx.Err() != nil {
			break
		}
		if len(kf.objects) > 0 {
			continue
		}
		for _, e := range kf.sidecars {
			if err := m.vault.RemoveFile(ctx, e); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("delete sidecar %s: %v", e.Rel, err))
				m.logger.Error("failed to delete orphan sidecar", "rel", e.Rel, "error", err)
				continue
			}
			deleted++
			m.logger.Debug("deleted orphan sidecar", "key", key.ShortString(), "suffix", e.Suffix)
		}
		kf.sidecars = nil
	}
	result.OrphanSidecars += deleted
	telemetry.RecordGCPhase(ctx, "orphan_sidecars", deleted, time.Since(start))
}

// phaseStaleLoadRecords deletes load tracker records of keys no channel
// references.
func (m *Manager) phaseStaleLoadRecords(ctx context.Context, files map[framecache.ContentKey]*keyFiles, refs map[framecache.ContentKey]struct{}, result *Result) {
	m.logger.Debug("phase: stale load records")
	start := time.Now()

	deleted := 0
	for key, kf := range files {
		if deleted >= m.config.BatchSize || ctx.Err() != nil {
			break
		}
		if kf.ltf == nil {
			continue
		}
		if _, ok := refs[key]; ok {
			continue
		}
		if err := m.vault.RemoveFile(ctx, *kf.ltf); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("delete load record %s: %v", kf.ltf.Rel, err))
			m.logger.Error("failed to delete load record", "rel", kf.ltf.Rel, "error", err)
			continue
		}
		if m.tracker != nil {
			m.tracker.Forget(key)
		}
		kf.ltf = nil
		deleted++
		m.logger.Debug("deleted stale load record", "key", key.ShortString())
	}
	result.StaleLoadRecords += deleted
	telemetry.RecordGCPhase(ctx, "load_records", deleted, time.Since(start))
}

// phaseUnreferenced deletes objects no channel catalog references.
func (m *Manager) phaseUnreferenced(ctx context.Context, files map[framecache.ContentKey]*keyFiles, refs map[framecache.ContentKey]struct{}, result *Result) {
	m.logger.Debug("phase: unreferenced objects")
	start := time.Now()

	deleted := 0
	for key, kf := range files {
		if deleted >= m.config.BatchSize || ctx.Err() != nil {
			break
		}
		if len(kf.objects) == 0 {
			continue
		}
		if _, ok := refs[key]; ok {
			continue
		}

		var size int64
		if info, err := m.vault.Stat(ctx, key); err == nil {
			size = info.Size
		}
		for _, e := range kf.objects {
			f, err := framecache.ParseFormat(e.Suffix)
			if err != nil {
				continue
			}
			if err := m.vault.Delete(ctx, key, f); err != nil && !errors.Is(err, framecache.ErrNotFound) {
				result.Errors = append(result.Errors, fmt.Sprintf("delete object %s: %v", e.Rel, err))
				m.logger.Error("failed to delete unreferenced object", "rel", e.Rel, "error", err)
				continue
			}
			deleted++
			m.logger.Debug("deleted unreferenced object", "key", key.ShortString(), "size", size)
		}
		result.BytesReclaimed += size
	}
	result.UnreferencedObjects += deleted
	telemetry.RecordGCPhase(ctx, "unreferenced", deleted, time.Since(start))
}
