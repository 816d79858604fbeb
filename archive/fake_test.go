package archive

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// Fake library objects. Each folder flavour exposes a different accessor
// surface, the way different binding versions do.

type fakeLibrary struct {
	root      any
	openErr   error
	openPanic bool
	sessions  int
}

func (l *fakeLibrary) Name() string { return "fake" }

func (l *fakeLibrary) Open(path string) (Session, error) {
	if l.openPanic {
		panic("binding crashed")
	}
	if l.openErr != nil {
		return nil, l.openErr
	}
	l.sessions++
	return &fakeSession{root: l.root}, nil
}

type fakeSession struct {
	root   any
	closed bool
}

func (s *fakeSession) Root() (any, error) { return s.root, nil }
func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

// modernFolder uses sub-message accessors.
type modernFolder struct {
	name     string
	messages []any
	children []any
	failAt   int
}

func (f *modernFolder) Name() string             { return f.name }
func (f *modernFolder) NumberOfSubFolders() int  { return len(f.children) }
func (f *modernFolder) NumberOfSubMessages() int { return len(f.messages) }
func (f *modernFolder) SubFolder(i int) (any, error) {
	return f.children[i], nil
}
func (f *modernFolder) SubMessage(i int) (any, error) {
	if f.failAt > 0 && i == f.failAt {
		return nil, errors.New("corrupt item")
	}
	return f.messages[i], nil
}

// itemFolder only exposes mixed sub-items through getters.
type itemFolder struct {
	name  string
	items []any
}

func (f *itemFolder) GetName() string            { return f.name }
func (f *itemFolder) GetNumberOfSubItems() int   { return len(f.items) }
func (f *itemFolder) GetSubItem(i int) any       { return f.items[i] }
func (f *itemFolder) GetNumberOfSubFolders() int { return 0 }

// mixedFolder reports sub-messages and sub-items at the same time.
type mixedFolder struct {
	Name        string
	subMessages []any
	subItems    []any
}

func (f *mixedFolder) NumberOfSubMessages() int { return len(f.subMessages) }
func (f *mixedFolder) SubMessage(i int) any     { return f.subMessages[i] }
func (f *mixedFolder) NumberOfSubItems() int    { return len(f.subItems) }
func (f *mixedFolder) SubItem(i int) any        { return f.subItems[i] }

// legacyFolder exposes plain fields and the old message accessor.
type legacyFolder struct {
	Name             string
	NumberOfMessages int
	msgs             []any
}

func (f *legacyFolder) Message(i int) (any, bool) {
	if i >= len(f.msgs) {
		return nil, false
	}
	return f.msgs[i], true
}

type fakeMessage struct {
	Subject            string
	SenderName         string
	SenderEmailAddress string
	PlainTextBody      string
	Body               string
	HTMLBody           string
	RTFBody            []byte
	InternetMessageID  string
	DeliveryTime       time.Time
	ClientSubmitTime   time.Time
	CreationTime       *time.Time

	recips []any
	atts   []any
}

func (m *fakeMessage) NumberOfRecipients() int          { return len(m.recips) }
func (m *fakeMessage) Recipient(i int) (any, error)     { return m.recips[i], nil }
func (m *fakeMessage) NumberOfAttachments() int         { return len(m.atts) }
func (m *fakeMessage) GetAttachment(i int) (any, error) { return m.atts[i], nil }

type fakeRecipient struct {
	Type         int
	Name         string
	EmailAddress string
}

type fakeAttachment struct {
	LongFilename string
	Size         int64
	MimeType     string
}

// contactItem carries nothing email-shaped.
type contactItem struct {
	DisplayName string
}

type panickyMessage struct{}

func (panickyMessage) Subject() string    { panic("unreadable property") }
func (panickyMessage) SenderName() string { return "Mallory" }

func msg(subject string) *fakeMessage {
	return &fakeMessage{Subject: subject, SenderName: "Sender", SenderEmailAddress: "sender@example.com"}
}

func msgs(subjects ...string) []any {
	out := make([]any, 0, len(subjects))
	for _, s := range subjects {
		out = append(out, msg(s))
	}
	return out
}

// writeArchive writes a header with the given type code followed by body.
func writeArchive(t testing.TB, typeCode uint16, body []byte) string {
	t.Helper()
	header := make([]byte, HeaderSize)
	copy(header, Signature)
	binary.LittleEndian.PutUint16(header[typeCodeOffset:], typeCode)

	path := filepath.Join(t.TempDir(), "mailbox.pst")
	if err := os.WriteFile(path, append(header, body...), 0o644); err != nil {
		t.Fatalf("write archive: %v", err)
	}
	return path
}

func openArchive(t testing.TB, lib Library, typeCode uint16, body []byte) *Archive {
	t.Helper()
	opts := Options{Library: lib, DisableLibrary: lib == nil}
	a, err := Open(writeArchive(t, typeCode, body), opts, nil)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
