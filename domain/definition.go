package domain

import (
	"fmt"
	"regexp"
	"strings"
)

// Definition is a persistent domain document held as raw XML.
//
// libvirt's XML schema is far larger than anything this tool models, so the
// document is never round-tripped through typed structs (that would drop
// elements we do not know about). Substitutions are targeted edits on the raw
// text, each anchored on values read out of the same document.
type Definition struct {
	XML string
}

var uuidElemRe = regexp.MustCompile(`<uuid>[^<]*</uuid>`)

// SetName replaces the domain's <name> element.
func (d *Definition) SetName(oldName, newName string) error {
	needle := "<name>" + oldName + "</name>"
	if !strings.Contains(d.XML, needle) {
		return fmt.Errorf("definition has no <name>%s</name> element", oldName)
	}
	d.XML = strings.Replace(d.XML, needle, "<name>"+newName+"</name>", 1)
	return nil
}

// SetUUID replaces the domain's <uuid> element so the clone gets its own
// identity. Definitions without a uuid element are left alone; libvirt
// assigns one at define time.
func (d *Definition) SetUUID(newUUID string) {
	d.XML = uuidElemRe.ReplaceAllString(d.XML, "<uuid>"+newUUID+"</uuid>")
}

// SetDiskPath rewrites the disk <source file=...> attribute currently set to
// oldPath. Both libvirt's single-quoted output form and double-quoted input
// form are recognized.
func (d *Definition) SetDiskPath(oldPath, newPath string) error {
	for _, q := range []string{`'`, `"`} {
		needle := "file=" + q + oldPath + q
		if strings.Contains(d.XML, needle) {
			d.XML = strings.Replace(d.XML, needle, "file="+q+newPath+q, 1)
			return nil
		}
	}
	return fmt.Errorf("definition has no disk source %s", oldPath)
}
