package archive

import (
	"fmt"
	"reflect"
	"strconv"
	"time"
)

// Capability names one operation on a library object together with the
// accessor names different library versions expose it under, in priority order.
// An alias may be a method or an exported struct field.
type Capability struct {
	Name    string
	Aliases []string
}

var (
	capFolderName     = Capability{"folder name", []string{"Name", "GetName", "DisplayName"}}
	capSubFolderCount = Capability{"sub-folder count", []string{"NumberOfSubFolders", "GetNumberOfSubFolders"}}
	capSubFolder      = Capability{"sub-folder", []string{"SubFolder", "GetSubFolder"}}

	capSubMessageCount = Capability{"sub-message count", []string{"NumberOfSubMessages", "GetNumberOfSubMessages"}}
	capSubMessage      = Capability{"sub-message", []string{"SubMessage", "GetSubMessage"}}
	capSubItemCount    = Capability{"sub-item count", []string{"NumberOfSubItems", "GetNumberOfSubItems"}}
	capSubItem         = Capability{"sub-item", []string{"SubItem", "GetSubItem"}}
	capMessageCount    = Capability{"message count", []string{"NumberOfMessages", "GetNumberOfMessages"}}
	capMessage         = Capability{"message", []string{"Message", "GetMessage"}}

	// capOwnMessageCount is used for folder-tree counts: sub-messages first, then legacy messages.
	capOwnMessageCount = Capability{"own message count", []string{
		"NumberOfSubMessages", "GetNumberOfSubMessages", "NumberOfMessages", "GetNumberOfMessages",
	}}

	capSubject           = Capability{"subject", []string{"Subject", "GetSubject"}}
	capSenderName        = Capability{"sender name", []string{"SenderName", "GetSenderName"}}
	capSenderAddress     = Capability{"sender address", []string{"SenderEmailAddress", "GetSenderEmailAddress"}}
	capPlainBody         = Capability{"plain-text body", []string{"PlainTextBody", "GetPlainTextBody"}}
	capBody              = Capability{"body", []string{"Body", "GetBody"}}
	capTextBody          = Capability{"text body", []string{"TextBody", "GetTextBody"}}
	capHTMLBody          = Capability{"html body", []string{"HTMLBody", "GetHTMLBody", "HtmlBody"}}
	capRTFBody           = Capability{"rtf body", []string{"RTFBody", "GetRTFBody", "RtfBody"}}
	capMessageIdentifier = Capability{"message identifier", []string{"MessageIdentifier", "GetMessageIdentifier"}}
	capMessageID         = Capability{"message id", []string{"MessageID", "GetMessageID"}}
	capInternetID        = Capability{"internet message id", []string{"InternetMessageID", "GetInternetMessageID"}}
	capDeliveryTime      = Capability{"delivery time", []string{"DeliveryTime", "GetDeliveryTime"}}
	capSubmitTime        = Capability{"client submit time", []string{"ClientSubmitTime", "GetClientSubmitTime"}}
	capCreationTime      = Capability{"creation time", []string{"CreationTime", "GetCreationTime"}}

	capRecipients       = Capability{"recipients", []string{"Recipients", "GetRecipients", "NumberOfRecipients", "GetNumberOfRecipients"}}
	capRecipientCount   = Capability{"recipient count", []string{"NumberOfRecipients", "GetNumberOfRecipients"}}
	capRecipient        = Capability{"recipient", []string{"Recipient", "GetRecipient"}}
	capRecipientType    = Capability{"recipient type", []string{"Type", "RecipientType", "GetType"}}
	capRecipientName    = Capability{"recipient name", []string{"Name", "GetName", "DisplayName"}}
	capRecipientAddress = Capability{"recipient address", []string{"EmailAddress", "GetEmailAddress"}}

	capAttachmentCount = Capability{"attachment count", []string{"NumberOfAttachments", "GetNumberOfAttachments"}}
	capAttachment      = Capability{"attachment", []string{"Attachment", "GetAttachment"}}
	capAttachmentName  = Capability{"attachment name", []string{"Name", "GetName", "LongFilename"}}
	capAttachmentSize  = Capability{"attachment size", []string{"Size", "GetSize"}}
	capAttachmentType  = Capability{"attachment type", []string{"Type", "GetType", "MimeType"}}
)

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// emailShaped lists the properties whose presence marks a sub-item as an email.
var emailShaped = []Capability{capSubject, capSenderName, capPlainBody, capHTMLBody, capRecipients}

// lookup resolves alias on obj. Methods win over fields.
func lookup(obj any, alias string) (member reflect.Value, isMethod bool, found bool) {
	if obj == nil {
		return reflect.Value{}, false, false
	}
	v := reflect.ValueOf(obj)
	if m := v.MethodByName(alias); m.IsValid() {
		return m, true, true
	}
	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return reflect.Value{}, false, false
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return reflect.Value{}, false, false
	}
	f := v.FieldByName(alias)
	if !f.IsValid() || !f.CanInterface() {
		return reflect.Value{}, false, false
	}
	return f, false, true
}

// has reports whether any alias of c exists on obj, without calling it.
func has(obj any, c Capability) bool {
	for _, alias := range c.Aliases {
		if _, _, ok := lookup(obj, alias); ok {
			return true
		}
	}
	return false
}

// query uses the first alias of c that exists on obj. A missing alias, a panic,
// a non-nil error, a false ok-flag or a nil result all mean "absent".
func query(obj any, c Capability, args ...any) (reflect.Value, bool) {
	for _, alias := range c.Aliases {
		member, isMethod, ok := lookup(obj, alias)
		if !ok {
			continue
		}
		return invoke(member, isMethod, args)
	}
	return reflect.Value{}, false
}

// invoke is call for queries that treat a failing accessor as absent.
func invoke(member reflect.Value, isMethod bool, args []any) (reflect.Value, bool) {
	v, ok, err := call(member, isMethod, args)
	return v, ok && err == nil
}

// call uses member with args. A panic or a non-nil error result comes back
// as err; a mismatched signature, a false ok-flag or a nil result is !ok.
func call(member reflect.Value, isMethod bool, args []any) (result reflect.Value, ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, ok, err = reflect.Value{}, false, fmt.Errorf("accessor panicked: %v", r)
		}
	}()

	if !isMethod {
		if len(args) > 0 {
			return reflect.Value{}, false, nil
		}
		result, ok = present(member)
		return result, ok, nil
	}

	t := member.Type()
	if t.IsVariadic() || t.NumIn() != len(args) {
		return reflect.Value{}, false, nil
	}
	in := make([]reflect.Value, len(args))
	for i, arg := range args {
		av := reflect.ValueOf(arg)
		if !av.IsValid() || !av.Type().ConvertibleTo(t.In(i)) {
			return reflect.Value{}, false, nil
		}
		in[i] = av.Convert(t.In(i))
	}

	out := member.Call(in)
	switch len(out) {
	case 1:
		result, ok = present(out[0])
		return result, ok, nil
	case 2:
		second := out[1]
		switch {
		case second.Kind() == reflect.Bool:
			if !second.Bool() {
				return reflect.Value{}, false, nil
			}
		case second.Type().Implements(errorType):
			if e, _ := second.Interface().(error); e != nil {
				return reflect.Value{}, false, e
			}
		default:
			return reflect.Value{}, false, nil
		}
		result, ok = present(out[0])
		return result, ok, nil
	default:
		return reflect.Value{}, false, nil
	}
}

func present(v reflect.Value) (reflect.Value, bool) {
	if !v.IsValid() {
		return reflect.Value{}, false
	}
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		if v.IsNil() {
			return reflect.Value{}, false
		}
	}
	if v.Kind() == reflect.Interface {
		v = v.Elem()
	}
	return v, true
}

func queryInt(obj any, c Capability, args ...any) (int, bool) {
	v, ok := query(obj, c, args...)
	if !ok {
		return 0, false
	}
	return intValue(v)
}

func intValue(v reflect.Value) (int, bool) {
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return int(v.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return int(v.Uint()), true
	case reflect.Pointer:
		if v.IsNil() {
			return 0, false
		}
		return intValue(v.Elem())
	default:
		return 0, false
	}
}

// queryText returns string-like results; byte slices, Stringers and integers are converted.
func queryText(obj any, c Capability, args ...any) (string, bool) {
	v, ok := query(obj, c, args...)
	if !ok {
		return "", false
	}
	return textValue(v)
}

func textValue(v reflect.Value) (string, bool) {
	if v.Kind() == reflect.Pointer && v.IsNil() {
		return "", false
	}
	if s, ok := v.Interface().(fmt.Stringer); ok {
		return s.String(), true
	}
	switch v.Kind() {
	case reflect.String:
		return v.String(), true
	case reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return string(v.Bytes()), true
		}
	case reflect.Pointer:
		if v.IsNil() {
			return "", false
		}
		return textValue(v.Elem())
	}
	if n, ok := intValue(v); ok {
		return strconv.Itoa(n), true
	}
	return "", false
}

func queryTime(obj any, c Capability) (*time.Time, bool) {
	v, ok := query(obj, c)
	if !ok {
		return nil, false
	}
	return timeValue(v)
}

func timeValue(v reflect.Value) (*time.Time, bool) {
	switch t := v.Interface().(type) {
	case time.Time:
		if t.IsZero() {
			return nil, false
		}
		return &t, true
	case *time.Time:
		if t.IsZero() {
			return nil, false
		}
		tc := *t
		return &tc, true
	}
	return nil, false
}

func queryObject(obj any, c Capability, args ...any) (any, bool) {
	v, ok := query(obj, c, args...)
	if !ok {
		return nil, false
	}
	return v.Interface(), true
}

// firstText returns the first non-empty result across caps.
func firstText(obj any, caps ...Capability) string {
	for _, c := range caps {
		if s, ok := queryText(obj, c); ok && s != "" {
			return s
		}
	}
	return ""
}

// isEmailItem classifies a sub-item by the presence of any email-shaped property.
func isEmailItem(item any) bool {
	for _, c := range emailShaped {
		if has(item, c) {
			return true
		}
	}
	return false
}
