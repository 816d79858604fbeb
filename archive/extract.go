package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dhcgn/pst-export/model"
)

var errTraversalPanic = errors.New("traversal panicked")

// Messages extracts every message of the archive in pre-order folder order.
// When structured parsing is unavailable or fails, degraded records are
// returned instead. The only error is ErrNotOpen.
func (a *Archive) Messages(ctx context.Context) ([]*model.Record, error) {
	return a.extract(ctx, "")
}

// FolderMessages extracts the own messages of the folder at path.
// An unknown path yields no records.
func (a *Archive) FolderMessages(ctx context.Context, path string) ([]*model.Record, error) {
	path = "/" + strings.Trim(strings.TrimSpace(path), "/")
	return a.extract(ctx, path)
}

func (a *Archive) extract(ctx context.Context, folderPath string) ([]*model.Record, error) {
	a.extractMu.Lock()
	defer a.extractMu.Unlock()

	done, err := a.begin()
	if err != nil {
		return nil, err
	}
	defer done()

	records, err := a.structuredMessages(ctx, folderPath)
	switch {
	case err == nil:
		a.logger.Info("extraction finished", "messages", len(records))
		return records, nil
	case errors.Is(err, ErrLibraryUnavailable):
		a.logger.Warn("structured library unavailable, using degraded scan")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		a.logger.Warn("extraction cancelled", "messages", len(records))
		return records, nil
	default:
		a.logger.Error("structured extraction failed, using degraded scan", "err", err, "partial", len(records))
	}

	return append(records, a.degraded()...), nil
}

func (a *Archive) structuredMessages(ctx context.Context, folderPath string) ([]*model.Record, error) {
	lib := a.library()
	if lib == nil {
		return nil, ErrLibraryUnavailable
	}

	session, root, err := openSession(lib, a.path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := closeSession(session); err != nil {
			a.logger.Debug("library session close", "err", err)
		}
	}()

	w := &walker{source: a.path, logger: a.logger}
	err = w.run(ctx, root, folderPath)
	return w.records, err
}

// walker collects records from a library object graph. It is single-use.
type walker struct {
	source  string
	logger  *slog.Logger
	records []*model.Record
}

func (w *walker) run(ctx context.Context, root any, folderPath string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errTraversalPanic, r)
		}
	}()

	if folderPath == "" {
		w.logger.Info("extracting from all folders")
		return w.walk(ctx, root, "/")
	}

	folder := findFolder(root, folderPath)
	if folder == nil {
		w.logger.Warn("folder not found", "folder", folderPath)
		return nil
	}
	w.logger.Info("extracting from folder", "folder", folderPath)
	w.folderMessages(folder, folderPath)
	return nil
}

func (w *walker) walk(ctx context.Context, folder any, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	n := w.folderMessages(folder, path)
	subFolders, _ := queryInt(folder, capSubFolderCount)
	w.logger.Debug("folder processed", "folder", path, "messages", n, "subFolders", subFolders)

	for i := 0; i < subFolders; i++ {
		child, ok := queryObject(folder, capSubFolder, i)
		if !ok {
			w.itemError(&ItemError{Folder: path, Kind: "sub-folder", Index: i, Err: errItemUnavailable})
			continue
		}
		if err := w.walk(ctx, child, model.ChildPath(path, folderName(child, i))); err != nil {
			return err
		}
	}
	return nil
}

// folderMessages appends the folder's own messages. The first strategy that
// yields at least one record wins.
func (w *walker) folderMessages(folder any, path string) int {
	strategies := []struct {
		kind      string
		count     Capability
		get       Capability
		emailOnly bool
	}{
		{"sub-message", capSubMessageCount, capSubMessage, false},
		{"sub-item", capSubItemCount, capSubItem, true},
		{"message", capMessageCount, capMessage, false},
	}

	for _, s := range strategies {
		count, ok := queryInt(folder, s.count)
		if !ok || count <= 0 {
			continue
		}
		found := 0
		for i := 0; i < count; i++ {
			item, ok := queryObject(folder, s.get, i)
			if !ok {
				w.itemError(&ItemError{Folder: path, Kind: s.kind, Index: i, Err: errItemUnavailable})
				continue
			}
			if s.emailOnly && !isEmailItem(item) {
				continue
			}
			record, err := convertItem(item, path)
			if err != nil {
				w.itemError(&ItemError{Folder: path, Kind: s.kind, Index: i, Err: err})
				continue
			}
			record.Source = w.source
			w.records = append(w.records, record)
			found++
		}
		if found > 0 {
			return found
		}
	}
	return 0
}

func (w *walker) itemError(err *ItemError) {
	w.logger.Warn("skipping item", "folder", err.Folder, "kind", err.Kind, "index", err.Index, "err", err.Err)
}

// findFolder resolves a slash separated path by matching sub-folder names from root.
func findFolder(root any, path string) any {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return root
	}
	if name, _ := queryText(root, capFolderName); name != "" && name == trimmed {
		return root
	}

	current := root
	for _, part := range strings.Split(trimmed, "/") {
		count, _ := queryInt(current, capSubFolderCount)
		var next any
		for i := 0; i < count; i++ {
			child, ok := queryObject(current, capSubFolder, i)
			if !ok {
				continue
			}
			if name, _ := queryText(child, capFolderName); name == part {
				next = child
				break
			}
		}
		if next == nil {
			return nil
		}
		current = next
	}
	return current
}

func folderName(folder any, index int) string {
	if name, ok := queryText(folder, capFolderName); ok && name != "" {
		return name
	}
	return fmt.Sprintf("Subfolder_%d", index)
}
