package convert

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode"

	"github.com/dhcgn/pst-export/model"
)

const maxSubjectRunes = 50

// Namer derives collision-free file names for records inside one directory.
type Namer struct {
	dir string
	ext string

	mu     sync.Mutex
	issued map[string]struct{}
}

func NewNamer(dir, ext string) *Namer {
	return &Namer{
		dir:    dir,
		ext:    strings.TrimPrefix(ext, "."),
		issued: map[string]struct{}{},
	}
}

// Name returns "<safe subject><_YYYYMMDD_HHMMSS>.<ext>", adding _N before the
// extension when the name exists on disk or was issued before.
func (n *Namer) Name(r *model.Record, index int) string {
	base := SafeSubject(r.Subject, index)
	if t, ok := r.Date(); ok {
		base += t.Format("_20060102_150405")
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	name := base + "." + n.ext
	for counter := 1; n.taken(name); counter++ {
		name = fmt.Sprintf("%s_%d.%s", base, counter, n.ext)
	}
	n.issued[name] = struct{}{}
	return name
}

// Path is Name joined with the namer's directory.
func (n *Namer) Path(r *model.Record, index int) string {
	return filepath.Join(n.dir, n.Name(r, index))
}

func (n *Namer) taken(name string) bool {
	if _, ok := n.issued[name]; ok {
		return true
	}
	_, err := os.Stat(filepath.Join(n.dir, name))
	return err == nil
}

// SafeSubject keeps letters, digits, space, '-' and '_', trims, and cuts to 50
// characters. An empty result becomes "message_<index>".
func SafeSubject(subject string, index int) string {
	var b strings.Builder
	for _, r := range subject {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' || r == '-' || r == '_' {
			b.WriteRune(r)
		}
	}
	safe := []rune(strings.TrimSpace(b.String()))
	if len(safe) > maxSubjectRunes {
		safe = safe[:maxSubjectRunes]
	}
	if len(safe) == 0 {
		return fmt.Sprintf("message_%d", index)
	}
	return string(safe)
}
