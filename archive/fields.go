package archive

import (
	"fmt"
	"reflect"
	"time"

	"github.com/dhcgn/pst-export/model"
)

const (
	recipientTo  = 1
	recipientCC  = 2
	recipientBCC = 3
)

// convertItem maps a library message object onto a Record. A top-level
// property whose accessor panics or returns an error fails the whole message.
func convertItem(item any, folderPath string) (*model.Record, error) {
	f := &fieldReader{item: item}
	record := &model.Record{
		Subject:    f.text(capSubject),
		Sender:     formatAddress(f.text(capSenderName), f.text(capSenderAddress)),
		BodyText:   f.text(capPlainBody, capBody, capTextBody),
		BodyHTML:   f.text(capHTMLBody, capRTFBody),
		MessageID:  f.text(capMessageIdentifier, capMessageID, capInternetID),
		FolderPath: folderPath,
		Quality:    model.QualityStructured,
	}
	if t, ok := f.time(capDeliveryTime); ok {
		record.SentAt = t
	} else if t, ok := f.time(capSubmitTime); ok {
		record.SentAt = t
	}
	if t, ok := f.time(capCreationTime); ok {
		record.ReceivedAt = t
	}
	if f.err != nil {
		return nil, f.err
	}

	record.Recipients, record.CC, record.BCC = recipients(item)
	record.Attachments = attachments(item)
	return record, nil
}

// fieldReader reads message properties and keeps the first accessor failure.
type fieldReader struct {
	item any
	err  error
}

func (f *fieldReader) value(c Capability) (reflect.Value, bool) {
	for _, alias := range c.Aliases {
		member, isMethod, ok := lookup(f.item, alias)
		if !ok {
			continue
		}
		v, ok, err := call(member, isMethod, nil)
		if err != nil {
			if f.err == nil {
				f.err = fmt.Errorf("read %s: %w", c.Name, err)
			}
			return reflect.Value{}, false
		}
		return v, ok
	}
	return reflect.Value{}, false
}

// text returns the first non-empty value across caps.
func (f *fieldReader) text(caps ...Capability) string {
	for _, c := range caps {
		v, ok := f.value(c)
		if !ok {
			continue
		}
		if s, ok := textValue(v); ok && s != "" {
			return s
		}
	}
	return ""
}

func (f *fieldReader) time(c Capability) (*time.Time, bool) {
	v, ok := f.value(c)
	if !ok {
		return nil, false
	}
	return timeValue(v)
}

// formatAddress renders "Name <addr>", or whichever part is present.
func formatAddress(name, address string) string {
	switch {
	case name != "" && address != "":
		return fmt.Sprintf("%s <%s>", name, address)
	case name != "":
		return name
	default:
		return address
	}
}

// recipients splits the recipient list by type. A recipient without name and
// address still contributes an empty entry; an unreadable one is skipped.
func recipients(item any) (to, cc, bcc []string) {
	to, cc, bcc = []string{}, []string{}, []string{}

	count, _ := queryInt(item, capRecipientCount)
	for i := 0; i < count; i++ {
		r, ok := queryObject(item, capRecipient, i)
		if !ok {
			continue
		}
		kind, _ := queryInt(r, capRecipientType)
		entry := formatAddress(firstText(r, capRecipientName), firstText(r, capRecipientAddress))
		switch kind {
		case recipientTo:
			to = append(to, entry)
		case recipientCC:
			cc = append(cc, entry)
		case recipientBCC:
			bcc = append(bcc, entry)
		}
	}
	return to, cc, bcc
}

func attachments(item any) []model.Attachment {
	result := []model.Attachment{}

	count, _ := queryInt(item, capAttachmentCount)
	for i := 0; i < count; i++ {
		att, ok := queryObject(item, capAttachment, i)
		if !ok {
			continue
		}
		a := model.Attachment{
			Name: fmt.Sprintf("attachment_%d", i),
			Type: "unknown",
		}
		if name, ok := queryText(att, capAttachmentName); ok && name != "" {
			a.Name = name
		}
		if size, ok := queryInt(att, capAttachmentSize); ok {
			a.Size = int64(size)
		}
		if typ, ok := queryText(att, capAttachmentType); ok && typ != "" {
			a.Type = typ
		}
		result = append(result, a)
	}
	return result
}
