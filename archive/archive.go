package archive

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/dhcgn/pst-export/model"
)

const (
	// HeaderSize is the size of the fixed header region read on open.
	HeaderSize = 512

	// TypeUnicode and TypeANSI are the file-type codes at header offset 10.
	TypeUnicode uint16 = 0x17
	TypeANSI    uint16 = 0x0E

	typeCodeOffset = 10
)

// Signature is the magic value at the start of every archive.
var Signature = []byte("!BDN")

type sessionState int

const (
	stateUnopened sessionState = iota
	stateValidated
	stateOpened
	stateExtracting
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateUnopened:
		return "unopened"
	case stateValidated:
		return "validated"
	case stateOpened:
		return "opened"
	case stateExtracting:
		return "extracting"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Options configures how an archive is read.
type Options struct {
	// Library overrides the registered structured library.
	Library Library
	// DisableLibrary forces degraded extraction even when a library is registered.
	DisableLibrary bool
}

// Header holds the decoded fixed header.
type Header struct {
	FileType uint16
	Unicode  bool
	FileSize int64
}

// Statistics summarises an archive.
type Statistics struct {
	Path          string
	FileSize      int64
	Unicode       bool
	TotalMessages int
	TotalFolders  int
}

// LogAttrs renders the statistics as slog attributes.
func (s Statistics) LogAttrs() []any {
	return []any{
		"path", s.Path,
		"fileSize", s.FileSize,
		"unicode", s.Unicode,
		"totalMessages", s.TotalMessages,
		"totalFolders", s.TotalFolders,
	}
}

// Archive is an open archive file. A single Archive is not traversed
// concurrently: extraction calls are serialised.
type Archive struct {
	path   string
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	state  sessionState
	file   *os.File
	header Header

	extractMu sync.Mutex
	tree      *model.FolderNode
}

// Open validates the signature, reads the header and returns an opened archive.
func Open(path string, opts Options, logger *slog.Logger) (*Archive, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("archive path is empty")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	a := &Archive{
		path:   path,
		opts:   opts,
		logger: logger.With("archive", path),
		state:  stateUnopened,
	}

	if err := a.validate(); err != nil {
		return nil, err
	}
	if err := a.open(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Archive) validate() error {
	info, err := os.Stat(a.path)
	if err != nil {
		return fmt.Errorf("stat archive: %w", err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("archive %s is not a regular file", a.path)
	}

	file, err := os.Open(a.path)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer file.Close()

	sig := make([]byte, len(Signature))
	if _, err := io.ReadFull(file, sig); err != nil {
		return &FormatError{Path: a.path, Reason: "file too short for signature"}
	}
	if !bytes.Equal(sig, Signature) {
		return &FormatError{Path: a.path, Reason: fmt.Sprintf("bad signature %q", sig)}
	}

	a.state = stateValidated
	return nil
}

func (a *Archive) open() error {
	file, err := os.Open(a.path)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}

	header, err := readHeader(file, a.path)
	if err != nil {
		_ = file.Close()
		return err
	}

	a.file = file
	a.header = header
	a.state = stateOpened

	a.logger.Info("archive opened", "unicode", header.Unicode, "fileType", fmt.Sprintf("0x%02X", header.FileType), "size", header.FileSize)
	return nil
}

func readHeader(file *os.File, path string) (Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(file, buf); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Header{}, &FormatError{Path: path, Reason: "truncated header"}
		}
		return Header{}, fmt.Errorf("read header: %w", err)
	}
	if !bytes.Equal(buf[:len(Signature)], Signature) {
		return Header{}, &FormatError{Path: path, Reason: "bad signature in header"}
	}

	header := Header{FileType: binary.LittleEndian.Uint16(buf[typeCodeOffset : typeCodeOffset+2])}
	switch header.FileType {
	case TypeUnicode:
		header.Unicode = true
	case TypeANSI:
		header.Unicode = false
	default:
		return Header{}, &FormatError{Path: path, Reason: fmt.Sprintf("unsupported file type 0x%04X", header.FileType)}
	}

	info, err := file.Stat()
	if err != nil {
		return Header{}, fmt.Errorf("stat archive: %w", err)
	}
	header.FileSize = info.Size()
	return header, nil
}

// Path returns the archive path.
func (a *Archive) Path() string {
	return a.path
}

// Unicode reports whether the archive uses the Unicode layout.
func (a *Archive) Unicode() bool {
	return a.header.Unicode
}

// Header returns the decoded header.
func (a *Archive) Header() Header {
	return a.header
}

// Close releases the file. It is safe to call in any state and more than once.
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == stateClosed {
		return nil
	}
	if a.file != nil {
		if err := a.file.Close(); err != nil {
			a.logger.Debug("archive close", "err", err)
		}
		a.file = nil
	}
	a.state = stateClosed
	a.logger.Info("archive closed")
	return nil
}

// begin moves the handle into Extracting and returns a function restoring Opened.
func (a *Archive) begin() (func(), error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != stateOpened || a.file == nil {
		return nil, fmt.Errorf("%s (state %s): %w", a.path, a.state, ErrNotOpen)
	}
	a.state = stateExtracting
	return func() {
		a.mu.Lock()
		if a.state == stateExtracting {
			a.state = stateOpened
		}
		a.mu.Unlock()
	}, nil
}

func (a *Archive) library() Library {
	if a.opts.DisableLibrary {
		return nil
	}
	if a.opts.Library != nil {
		return a.opts.Library
	}
	return Registered()
}

// FolderTree returns the folder hierarchy, or the fixed synthetic tree when
// structured parsing is unavailable.
func (a *Archive) FolderTree(ctx context.Context) (*model.FolderNode, error) {
	a.extractMu.Lock()
	defer a.extractMu.Unlock()

	done, err := a.begin()
	if err != nil {
		return nil, err
	}
	defer done()

	tree, err := a.structuredTree(ctx)
	if err != nil {
		if errors.Is(err, ErrLibraryUnavailable) {
			a.logger.Warn("structured library unavailable, using basic folder structure")
		} else {
			a.logger.Error("reading folder structure failed, using basic folder structure", "err", err)
		}
		tree = basicFolderTree()
	}
	a.tree = tree
	return tree, nil
}

// Statistics reports size, encoding and folder-tree totals.
func (a *Archive) Statistics(ctx context.Context) (Statistics, error) {
	tree := a.cachedTree()
	if tree == nil {
		var err error
		tree, err = a.FolderTree(ctx)
		if err != nil {
			return Statistics{}, err
		}
	}
	return Statistics{
		Path:          a.path,
		FileSize:      a.header.FileSize,
		Unicode:       a.header.Unicode,
		TotalMessages: tree.TotalMessages(),
		TotalFolders:  tree.TotalFolders(),
	}, nil
}

func (a *Archive) cachedTree() *model.FolderNode {
	a.extractMu.Lock()
	defer a.extractMu.Unlock()
	return a.tree
}
