// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ovpnconfig builds the per-connection OpenVPN client
// configuration fragment handed back over the command socket, ported
// line-for-line from original_source/odr/odrd.py's
// OvpnCmdConn._success_handler.
package ovpnconfig

import "strings"

// Builder accumulates configuration fragment lines in order. It
// exists as its own type (rather than building a string directly) so
// tests can assert on individual lines without parsing the whole
// fragment.
type Builder struct {
	lines []string
}

// Add appends a raw, unquoted directive line.
func (b *Builder) Add(line string) {
	b.lines = append(b.lines, line)
}

// Push appends a `push "<directive>"` line. OpenVPN directives pushed
// to the client are always double-quoted; backslashes in directive are
// doubled and embedded double quotes are backslash-escaped.
func (b *Builder) Push(directive string) {
	escaped := strings.ReplaceAll(directive, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `"`, `\"`)
	b.lines = append(b.lines, `push "`+escaped+`"`)
}

// PushDHCPOption appends a `push "dhcp-option <name> <value>"` line.
func (b *Builder) PushDHCPOption(name, value string) {
	b.Push("dhcp-option " + name + " " + value)
}

// String renders the accumulated fragment, one directive per line,
// terminated by a trailing newline.
func (b *Builder) String() string {
	if len(b.lines) == 0 {
		return ""
	}
	return strings.Join(b.lines, "\n") + "\n"
}
