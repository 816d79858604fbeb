package archive

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type twoNames struct {
	Name string
}

func (twoNames) GetName() string { return "getter" }

type countFolder struct{}

func (countFolder) NumberOfSubMessages() (int, error) { return 0, errors.New("locked") }
func (countFolder) GetNumberOfSubMessages() int       { return 42 }

type badAccessors struct{}

func (badAccessors) Subject() string                { panic("boom") }
func (badAccessors) SenderName() (string, bool)     { return "x", false }
func (badAccessors) PlainTextBody() *string         { return nil }
func (badAccessors) HTMLBody(flag bool) string      { return "needs args" }
func (badAccessors) SubMessage(i int) (any, error)  { return nil, nil }
func (badAccessors) NumberOfRecipients() uint32     { return 3 }
func (badAccessors) DeliveryTime() time.Time        { return time.Time{} }
func (badAccessors) CreationTime() (time.Time, int) { return time.Now(), 1 }

type idStringer int

func (i idStringer) String() string { return "id-" + string(rune('0'+int(i))) }

func TestQueryAliasOrder(t *testing.T) {
	// The field alias comes first in the list and wins over the getter.
	name, ok := queryText(&twoNames{Name: "field"}, capFolderName)
	assert.True(t, ok)
	assert.Equal(t, "field", name)

	// The first existing alias is used even when it fails; later aliases are not tried.
	_, ok = queryInt(countFolder{}, capSubMessageCount)
	assert.False(t, ok)
}

func TestQueryAbsent(t *testing.T) {
	b := badAccessors{}

	tests := []struct {
		name string
		cap  Capability
		args []any
	}{
		{name: "panic", cap: capSubject},
		{name: "false ok flag", cap: capSenderName},
		{name: "nil pointer result", cap: capPlainBody},
		{name: "argument mismatch", cap: capHTMLBody},
		{name: "nil object with nil error", cap: capSubMessage, args: []any{0}},
		{name: "no alias", cap: capAttachmentCount},
		{name: "unsupported return shape", cap: capCreationTime},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := query(b, tt.cap, tt.args...)
			assert.False(t, ok)
		})
	}

	_, ok := queryTime(b, capDeliveryTime)
	assert.False(t, ok, "zero time counts as absent")

	_, ok = query(nil, capSubject)
	assert.False(t, ok)
	_, ok = query((*fakeMessage)(nil), capSubject)
	assert.False(t, ok)
}

func TestQueryConversions(t *testing.T) {
	n, ok := queryInt(badAccessors{}, capRecipientCount)
	assert.True(t, ok)
	assert.Equal(t, 3, n)

	s, ok := queryText(struct{ Subject idStringer }{Subject: 7}, capSubject)
	assert.True(t, ok)
	assert.Equal(t, "id-7", s)

	s, ok = queryText(struct{ Type int }{Type: 12}, capAttachmentType)
	assert.True(t, ok)
	assert.Equal(t, "12", s)

	subject := "pointer"
	s, ok = queryText(struct{ Subject *string }{Subject: &subject}, capSubject)
	assert.True(t, ok)
	assert.Equal(t, "pointer", s)
}

func TestIsEmailItem(t *testing.T) {
	tests := []struct {
		name string
		item any
		want bool
	}{
		{name: "message", item: msg("x"), want: true},
		{name: "empty subject still email-shaped", item: &fakeMessage{}, want: true},
		{name: "contact", item: &contactItem{DisplayName: "Bob"}, want: false},
		{name: "recipients only", item: struct{ NumberOfRecipients int }{}, want: true},
		{name: "panicking accessor is present", item: panickyMessage{}, want: true},
		{name: "nil", item: nil, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isEmailItem(tt.item))
		})
	}
}
