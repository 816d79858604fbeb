package model

// FolderNode is one node of the folder hierarchy reconstructed from an archive.
// MessageCount covers the folder's own messages only.
type FolderNode struct {
	Name         string
	Path         string
	MessageCount int
	Children     []*FolderNode
}

// ChildPath joins a folder path and a child name.
func ChildPath(parent, name string) string {
	if parent == "/" || parent == "" {
		return "/" + name
	}
	return parent + "/" + name
}

// TotalMessages sums MessageCount over the whole subtree.
func (f *FolderNode) TotalMessages() int {
	if f == nil {
		return 0
	}
	total := f.MessageCount
	for _, child := range f.Children {
		total += child.TotalMessages()
	}
	return total
}

// TotalFolders counts the nodes of the subtree, including f.
func (f *FolderNode) TotalFolders() int {
	if f == nil {
		return 0
	}
	total := 1
	for _, child := range f.Children {
		total += child.TotalFolders()
	}
	return total
}

// Walk visits the subtree in pre-order.
func (f *FolderNode) Walk(fn func(node *FolderNode, depth int)) {
	f.walk(fn, 0)
}

func (f *FolderNode) walk(fn func(node *FolderNode, depth int), depth int) {
	if f == nil {
		return
	}
	fn(f, depth)
	for _, child := range f.Children {
		child.walk(fn, depth+1)
	}
}
