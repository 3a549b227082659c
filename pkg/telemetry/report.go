package telemetry

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// reportInput carries everything the builder needs for one submission.
// Graph values are pre-polled; the builder itself never touches a lock.
type reportInput struct {
	serverID      string
	appVersion    string
	serverVersion string
	playersOnline int
	env           Environment
	ping          bool
	graphs        []graphSnapshot
	onlineMode    bool
}

// graphSnapshot holds the polled column values of one graph.
type graphSnapshot struct {
	name    string
	columns []column
}

type column struct {
	name  string
	value string
}

// buildReport assembles the outbound JSON document. The encoding is the
// wire contract: values that pass the numeric-literal check are emitted as
// bare literals, everything else is escaped and quoted. encoding/json would
// not reproduce the endpoint's expected byte form, so the document is built
// directly.
func buildReport(in reportInput) string {
	var buf bytes.Buffer
	buf.Grow(1024)
	buf.WriteByte('{')

	appendPair(&buf, "guid", in.serverID)
	appendPair(&buf, "plugin_version", in.appVersion)
	appendPair(&buf, "server_version", in.serverVersion)
	appendPair(&buf, "players_online", strconv.Itoa(in.playersOnline))

	appendPair(&buf, "osname", in.env.OSName())
	appendPair(&buf, "osarch", normalizeArch(in.env.OSArch()))
	appendPair(&buf, "osversion", in.env.OSVersion())
	appendPair(&buf, "cores", strconv.Itoa(in.env.NumCPU()))
	if in.onlineMode {
		appendPair(&buf, "auth_mode", "1")
	} else {
		appendPair(&buf, "auth_mode", "0")
	}
	appendPair(&buf, "runtime_version", in.env.RuntimeVersion())

	if in.ping {
		appendPair(&buf, "ping", "1")
	}

	if len(in.graphs) > 0 {
		buf.WriteString(`,"graphs":{`)
		for i, g := range in.graphs {
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.WriteString(escapeJSON(g.name))
			buf.WriteByte(':')
			buf.WriteByte('{')
			for _, col := range g.columns {
				appendPair(&buf, col.name, col.value)
			}
			buf.WriteByte('}')
		}
		buf.WriteByte('}')
	}

	buf.WriteByte('}')
	return buf.String()
}

// appendPair writes a comma (unless at the start of an object), the escaped
// key, and the value. The value is written as a bare numeric literal iff it
// is the literal "0" or does not end in the digit '0', and parses as a
// float. Multi-digit values ending in '0' are therefore quoted; the
// collection endpoint relies on this, so it is preserved exactly.
func appendPair(buf *bytes.Buffer, key, value string) {
	numeric := false
	if value == "0" || !strings.HasSuffix(value, "0") {
		if _, err := strconv.ParseFloat(value, 64); err == nil {
			numeric = true
		}
	}

	if b := buf.Bytes(); len(b) > 0 && b[len(b)-1] != '{' {
		buf.WriteByte(',')
	}

	buf.WriteString(escapeJSON(key))
	buf.WriteByte(':')
	if numeric {
		buf.WriteString(value)
	} else {
		buf.WriteString(escapeJSON(value))
	}
}

// escapeJSON wraps text in quotes and escapes the characters the endpoint's
// decoder expects escaped: quote, backslash, backspace, tab, newline,
// carriage return, and any other control character as \u00XX. Characters
// beyond ASCII pass through unmodified.
func escapeJSON(text string) string {
	var b strings.Builder
	b.Grow(len(text) + 2)
	b.WriteByte('"')
	for _, r := range text {
		switch r {
		case '"', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		case '\b':
			b.WriteString(`\b`)
		case '\t':
			b.WriteString(`\t`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		default:
			if r < 0x20 {
				fmt.Fprintf(&b, `\u%04x`, r)
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
	return b.String()
}
