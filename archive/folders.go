package archive

import (
	"context"
	"fmt"

	"github.com/dhcgn/pst-export/model"
)

func (a *Archive) structuredTree(ctx context.Context) (tree *model.FolderNode, err error) {
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
	defer func() {
		if r := recover(); r != nil {
			tree, err = nil, fmt.Errorf("%w: %v", errTraversalPanic, r)
		}
	}()

	name, _ := queryText(root, capFolderName)
	if name == "" {
		name = "Root"
	}
	return a.buildFolder(ctx, root, name, "/")
}

func (a *Archive) buildFolder(ctx context.Context, folder any, name, path string) (*model.FolderNode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	node := &model.FolderNode{
		Name:         name,
		Path:         path,
		MessageCount: messageCount(folder),
	}

	subFolders, _ := queryInt(folder, capSubFolderCount)
	for i := 0; i < subFolders; i++ {
		child, ok := queryObject(folder, capSubFolder, i)
		if !ok {
			a.logger.Warn("skipping sub-folder", "folder", path, "index", i)
			continue
		}
		childName := folderName(child, i)
		childNode, err := a.buildFolder(ctx, child, childName, model.ChildPath(path, childName))
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, childNode)
	}
	return node, nil
}

// messageCount prefers the folder's own counters and otherwise counts the
// email-shaped sub-items.
func messageCount(folder any) int {
	if n, ok := queryInt(folder, capOwnMessageCount); ok {
		return n
	}
	items, ok := queryInt(folder, capSubItemCount)
	if !ok {
		return 0
	}
	count := 0
	for i := 0; i < items; i++ {
		item, ok := queryObject(folder, capSubItem, i)
		if ok && isEmailItem(item) {
			count++
		}
	}
	return count
}

// basicFolderTree is the fixed tree reported when the structure cannot be read.
func basicFolderTree() *model.FolderNode {
	root := &model.FolderNode{Name: "Root", Path: "/"}
	for _, name := range []string{"Inbox", "Sent Items", "Deleted Items", "Drafts"} {
		root.Children = append(root.Children, &model.FolderNode{Name: name, Path: model.ChildPath("/", name)})
	}
	return root
}
