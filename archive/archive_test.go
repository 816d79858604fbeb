package archive

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/pst-export/model"
)

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	shortPath := filepath.Join(dir, "short.pst")
	require.NoError(t, os.WriteFile(shortPath, append([]byte("!BDN"), make([]byte, 20)...), 0o644))
	badSigPath := filepath.Join(dir, "bad.pst")
	require.NoError(t, os.WriteFile(badSigPath, bytes.Repeat([]byte{'x'}, HeaderSize), 0o644))
	tinyPath := filepath.Join(dir, "tiny.pst")
	require.NoError(t, os.WriteFile(tinyPath, []byte("!B"), 0o644))

	tests := []struct {
		name        string
		path        string
		wantUnicode bool
		wantFormat  bool
		wantErr     bool
	}{
		{name: "unicode", path: writeArchive(t, TypeUnicode, nil), wantUnicode: true},
		{name: "ansi", path: writeArchive(t, TypeANSI, nil), wantUnicode: false},
		{name: "unknown type code", path: writeArchive(t, 0x99, nil), wantFormat: true, wantErr: true},
		{name: "short header", path: shortPath, wantFormat: true, wantErr: true},
		{name: "bad signature", path: badSigPath, wantFormat: true, wantErr: true},
		{name: "too short for signature", path: tinyPath, wantFormat: true, wantErr: true},
		{name: "missing file", path: filepath.Join(dir, "nope.pst"), wantErr: true},
		{name: "empty path", path: "  ", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := Open(tt.path, Options{}, nil)
			if tt.wantErr {
				require.Error(t, err)
				var formatErr *FormatError
				assert.Equal(t, tt.wantFormat, errors.As(err, &formatErr))
				return
			}
			require.NoError(t, err)
			defer a.Close()
			assert.Equal(t, tt.wantUnicode, a.Unicode())
			assert.Equal(t, int64(HeaderSize), a.Header().FileSize)
		})
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	a := openArchive(t, nil, TypeUnicode, nil)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	_, err := a.Messages(context.Background())
	assert.ErrorIs(t, err, ErrNotOpen)
	_, err = a.FolderTree(context.Background())
	assert.ErrorIs(t, err, ErrNotOpen)
	_, err = a.Statistics(context.Background())
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestMessagesPreOrder(t *testing.T) {
	root := &modernFolder{
		name:     "Top of Personal Folders",
		messages: msgs("r1"),
		children: []any{
			&modernFolder{
				name:     "A",
				messages: msgs("a1", "a2"),
				children: []any{&modernFolder{name: "A1", messages: msgs("a11")}},
			},
			&legacyFolder{Name: "B", NumberOfMessages: 1, msgs: msgs("b1")},
		},
	}
	a := openArchive(t, &fakeLibrary{root: root}, TypeUnicode, nil)

	records, err := a.Messages(context.Background())
	require.NoError(t, err)

	var subjects, folders []string
	for _, r := range records {
		subjects = append(subjects, r.Subject)
		folders = append(folders, r.FolderPath)
		assert.Equal(t, model.QualityStructured, r.Quality)
		assert.Equal(t, a.Path(), r.Source)
	}
	assert.Equal(t, []string{"r1", "a1", "a2", "a11", "b1"}, subjects)
	assert.Equal(t, []string{"/", "/A", "/A", "/A/A1", "/B"}, folders)
}

func TestFolderStrategies(t *testing.T) {
	tests := []struct {
		name   string
		folder any
		want   []string
	}{
		{
			name:   "sub-messages win over sub-items",
			folder: &mixedFolder{Name: "Inbox", subMessages: msgs("m1"), subItems: msgs("i1", "i2")},
			want:   []string{"m1"},
		},
		{
			name:   "zero sub-messages fall through to email-shaped sub-items",
			folder: &mixedFolder{Name: "Inbox", subItems: []any{msg("i1"), &contactItem{DisplayName: "Bob"}, msg("i2")}},
			want:   []string{"i1", "i2"},
		},
		{
			name:   "getter-only sub-items",
			folder: &itemFolder{name: "Inbox", items: []any{&contactItem{}, msg("g1")}},
			want:   []string{"g1"},
		},
		{
			name:   "legacy messages",
			folder: &legacyFolder{Name: "Inbox", NumberOfMessages: 2, msgs: msgs("l1", "l2")},
			want:   []string{"l1", "l2"},
		},
		{
			name:   "only non-email sub-items falls through to legacy",
			folder: &itemFolder{name: "Inbox", items: []any{&contactItem{}}},
			want:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &walker{logger: discardLogger()}
			w.folderMessages(tt.folder, "/Inbox")

			var got []string
			for _, r := range w.records {
				got = append(got, r.Subject)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestItemFailuresAreSkipped(t *testing.T) {
	root := &modernFolder{
		name: "Root",
		messages: []any{
			msg("ok-1"),
			msg("broken"),
			panickyMessage{},
			msg("ok-2"),
		},
		failAt: 1,
	}
	a := openArchive(t, &fakeLibrary{root: root}, TypeUnicode, nil)

	records, err := a.Messages(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "ok-1", records[0].Subject)
	assert.Equal(t, "ok-2", records[1].Subject)
}

type lockedBodyMessage struct{}

func (lockedBodyMessage) Subject() string                { return "Quarterly" }
func (lockedBodyMessage) PlainTextBody() (string, error) { return "", errors.New("stream locked") }
func (lockedBodyMessage) SenderEmailAddress() string     { return "a@example.com" }

type lockedRecipientMessage struct{}

func (lockedRecipientMessage) Subject() string         { return "Team" }
func (lockedRecipientMessage) NumberOfRecipients() int { return 2 }
func (lockedRecipientMessage) Recipient(i int) (any, error) {
	if i == 0 {
		return nil, errors.New("recipient table damaged")
	}
	return &fakeRecipient{Type: 1, EmailAddress: "bob@example.com"}, nil
}

func TestConvertItemUnreadableField(t *testing.T) {
	tests := []struct {
		name string
		item any
		want string
	}{
		{"panicking subject", panickyMessage{}, "read subject: accessor panicked: unreadable property"},
		{"body returns error", lockedBodyMessage{}, "read plain-text body: stream locked"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := convertItem(tt.item, "/Inbox")
			require.EqualError(t, err, tt.want)
			assert.Nil(t, r)

			wrapped := error(&ItemError{Folder: "/Inbox", Kind: "message", Index: 0, Err: err})
			var itemErr *ItemError
			require.True(t, errors.As(wrapped, &itemErr))
			assert.Equal(t, err, errors.Unwrap(wrapped))
		})
	}
}

func TestConvertItemSkipsUnreadableRecipient(t *testing.T) {
	r, err := convertItem(lockedRecipientMessage{}, "/Inbox")
	require.NoError(t, err)
	assert.Equal(t, "Team", r.Subject)
	assert.Equal(t, []string{"bob@example.com"}, r.Recipients)
}

func TestConvertItem(t *testing.T) {
	submitted := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	created := time.Date(2024, 3, 1, 9, 31, 0, 0, time.UTC)
	m := &fakeMessage{
		Subject:            "Budget",
		SenderName:         "Alice",
		SenderEmailAddress: "alice@example.com",
		Body:               "fallback body",
		RTFBody:            []byte("{\\rtf1 hi}"),
		InternetMessageID:  "<id@example.com>",
		ClientSubmitTime:   submitted,
		CreationTime:       &created,
		recips: []any{
			&fakeRecipient{Type: 1, Name: "Bob", EmailAddress: "bob@example.com"},
			&fakeRecipient{Type: 1},
			&fakeRecipient{Type: 2, EmailAddress: "carol@example.com"},
			&fakeRecipient{Type: 3, Name: "Dave"},
			&fakeRecipient{Type: 7, Name: "ignored"},
		},
		atts: []any{
			&fakeAttachment{LongFilename: "report.pdf", Size: 2048, MimeType: "application/pdf"},
			&struct{}{},
		},
	}

	r, err := convertItem(m, "/Inbox")
	require.NoError(t, err)

	assert.Equal(t, "Budget", r.Subject)
	assert.Equal(t, "Alice <alice@example.com>", r.Sender)
	assert.Equal(t, []string{"Bob <bob@example.com>", ""}, r.Recipients)
	assert.Equal(t, []string{"carol@example.com"}, r.CC)
	assert.Equal(t, []string{"Dave"}, r.BCC)
	assert.Equal(t, "fallback body", r.BodyText)
	assert.Equal(t, "{\\rtf1 hi}", r.BodyHTML)
	assert.Equal(t, "<id@example.com>", r.MessageID)
	require.NotNil(t, r.SentAt)
	assert.True(t, submitted.Equal(*r.SentAt))
	require.NotNil(t, r.ReceivedAt)
	assert.True(t, created.Equal(*r.ReceivedAt))
	assert.Equal(t, []model.Attachment{
		{Name: "report.pdf", Size: 2048, Type: "application/pdf"},
		{Name: "attachment_1", Size: 0, Type: "unknown"},
	}, r.Attachments)
	assert.Equal(t, "/Inbox", r.FolderPath)
}

func TestConvertItemEmpty(t *testing.T) {
	r, err := convertItem(&contactItem{}, "/Contacts")
	require.NoError(t, err)
	assert.Empty(t, r.Subject)
	assert.Empty(t, r.Sender)
	assert.NotNil(t, r.Recipients)
	assert.NotNil(t, r.CC)
	assert.NotNil(t, r.BCC)
	assert.NotNil(t, r.Attachments)
	assert.Nil(t, r.SentAt)
	assert.Nil(t, r.ReceivedAt)
}

func TestFolderMessages(t *testing.T) {
	root := &modernFolder{
		name:     "Root",
		messages: msgs("r1"),
		children: []any{
			&modernFolder{
				name:     "A",
				messages: msgs("a1"),
				children: []any{&modernFolder{name: "A1", messages: msgs("a11", "a12")}},
			},
		},
	}
	a := openArchive(t, &fakeLibrary{root: root}, TypeANSI, nil)
	ctx := context.Background()

	records, err := a.FolderMessages(ctx, "/A/A1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "a11", records[0].Subject)
	assert.Equal(t, "/A/A1", records[0].FolderPath)

	records, err = a.FolderMessages(ctx, "A/")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "a1", records[0].Subject)

	records, err = a.FolderMessages(ctx, "/missing")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestFolderTree(t *testing.T) {
	root := &modernFolder{
		name:     "Root",
		messages: msgs("r1"),
		children: []any{
			&modernFolder{name: "Inbox", messages: msgs("a", "b")},
			&itemFolder{name: "Contacts", items: []any{&contactItem{}, msg("stray")}},
		},
	}
	a := openArchive(t, &fakeLibrary{root: root}, TypeUnicode, nil)
	ctx := context.Background()

	tree, err := a.FolderTree(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Root", tree.Name)
	assert.Equal(t, "/", tree.Path)
	assert.Equal(t, 1, tree.MessageCount)
	require.Len(t, tree.Children, 2)
	assert.Equal(t, "/Inbox", tree.Children[0].Path)
	assert.Equal(t, 2, tree.Children[0].MessageCount)
	assert.Equal(t, "/Contacts", tree.Children[1].Path)
	assert.Equal(t, 1, tree.Children[1].MessageCount)

	st, err := a.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, st.TotalMessages)
	assert.Equal(t, 3, st.TotalFolders)
	assert.True(t, st.Unicode)
}

func TestFolderTreeWithoutLibrary(t *testing.T) {
	a := openArchive(t, nil, TypeUnicode, nil)

	tree, err := a.FolderTree(context.Background())
	require.NoError(t, err)

	var paths []string
	tree.Walk(func(node *model.FolderNode, depth int) {
		paths = append(paths, node.Path)
		assert.Zero(t, node.MessageCount)
	})
	assert.Equal(t, []string{"/", "/Inbox", "/Sent Items", "/Deleted Items", "/Drafts"}, paths)

	st, err := a.Statistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, st.TotalMessages)
	assert.Equal(t, 5, st.TotalFolders)
}

func TestDegradedPlaceholder(t *testing.T) {
	tests := []struct {
		name string
		lib  Library
	}{
		{name: "no library", lib: nil},
		{name: "library open fails", lib: &fakeLibrary{openErr: errors.New("unsupported version")}},
		{name: "library panics", lib: &fakeLibrary{openPanic: true}},
		{name: "library returns no root", lib: &fakeLibrary{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := openArchive(t, tt.lib, TypeUnicode, make([]byte, 3*scanWindow))

			records, err := a.Messages(context.Background())
			require.NoError(t, err)
			require.Len(t, records, 1)
			assert.Equal(t, model.QualityPlaceholder, records[0].Quality)
			assert.NotEmpty(t, records[0].Subject)
		})
	}
}

func TestDegradedScan(t *testing.T) {
	body := make([]byte, 2*scanWindow)
	copy(body[1000:], "junk Subject: Quarterly report\r\nFrom: alice@example.com\n")
	a := openArchive(t, nil, TypeANSI, body)

	records, err := a.Messages(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, records)
	assert.Equal(t, model.QualityDegraded, records[0].Quality)
	assert.Equal(t, "Quarterly report", records[0].Subject)
	assert.Equal(t, "alice@example.com", records[0].Sender)
	assert.NotNil(t, records[0].Recipients)
}

func TestDegradedScanCap(t *testing.T) {
	line := []byte("Subject: repeated header line\n")
	body := bytes.Repeat(line, (30*scanWindow)/len(line))
	a := openArchive(t, nil, TypeANSI, body)

	records, err := a.Messages(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, scanMaxHits)
	for _, r := range records {
		assert.Equal(t, "repeated header line", r.Subject)
		assert.Equal(t, "unknown", r.Sender)
	}
}

func TestDegradedScanDecoding(t *testing.T) {
	t.Run("windows-1252", func(t *testing.T) {
		body := []byte("Subject: Caf\xe9 au lait\n")
		records, err := scanDegraded(bytes.NewReader(append(make([]byte, HeaderSize), body...)), int64(HeaderSize+len(body)), false, "x")
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "Café au lait", records[0].Subject)
	})

	t.Run("utf-16le in unicode archives", func(t *testing.T) {
		body := encodeUTF16("Subject: Hallo Welt\r\n")
		records, err := scanDegraded(bytes.NewReader(append(make([]byte, HeaderSize), body...)), int64(HeaderSize+len(body)), true, "x")
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "Hallo Welt", records[0].Subject)
	})

	t.Run("labels of two characters are dropped", func(t *testing.T) {
		body := []byte("Subject: ab\nFrom: x\n")
		records, err := scanDegraded(bytes.NewReader(append(make([]byte, HeaderSize), body...)), int64(HeaderSize+len(body)), false, "x")
		require.NoError(t, err)
		assert.Empty(t, records)
	})
}

func TestDegradedScanTerminatesAtEOF(t *testing.T) {
	body := []byte(strings.Repeat("@", 50))
	records, err := scanDegraded(bytes.NewReader(append(make([]byte, HeaderSize), body...)), int64(HeaderSize+len(body)), false, "x")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestReExtractionIsStable(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("same order on every extraction", prop.ForAll(
		func(counts []int) bool {
			root := &modernFolder{name: "Root"}
			total := 0
			for i, n := range counts {
				subjects := make([]string, n)
				for j := range subjects {
					subjects[j] = strings.Repeat("m", i+1) + string(rune('a'+j))
				}
				root.children = append(root.children, &modernFolder{name: string(rune('A' + i%26)), messages: msgs(subjects...)})
				total += n
			}
			a := openArchive(t, &fakeLibrary{root: root}, TypeUnicode, nil)

			first, err := a.Messages(context.Background())
			if err != nil || len(first) != total {
				return false
			}
			second, err := a.Messages(context.Background())
			if err != nil || len(second) != len(first) {
				return false
			}
			for i := range first {
				if first[i].Subject != second[i].Subject || first[i].FolderPath != second[i].FolderPath {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(6, gen.IntRange(0, 4)),
	))

	properties.TestingRun(t)
}
