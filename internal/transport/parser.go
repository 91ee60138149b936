package transport

import (
	"bytes"
	"strings"

	"github.com/tonkeeper/ssestream/internal/models"
)

// maxLineSize bounds a single event-stream line.
const maxLineSize = 2 * 1024 * 1024

// scanLines splits on LF, CRLF and a lone CR.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\n' {
			return i + 1, data[:i], nil
		}
		if i+1 < len(data) {
			if data[i+1] == '\n' {
				return i + 2, data[:i], nil
			}
			return i + 1, data[:i], nil
		}
		if !atEOF {
			// a CR at the end of the buffer may be the first half of CRLF
			return 0, nil, nil
		}
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// parser assembles event-stream lines into events.
type parser struct {
	eventType   string
	data        strings.Builder
	hasData     bool
	id          string
	hasID       bool
	lastEventID string
}

// feed consumes one line and reports a complete event on a blank line.
func (p *parser) feed(line string) (Event, bool) {
	if line == "" {
		return p.dispatch()
	}
	if strings.HasPrefix(line, ":") {
		return Event{}, false
	}

	field, value := line, ""
	if i := strings.IndexByte(line, ':'); i >= 0 {
		field, value = line[:i], line[i+1:]
		value = strings.TrimPrefix(value, " ")
	}

	switch field {
	case "event":
		p.eventType = value
	case "data":
		if p.hasData {
			p.data.WriteByte('\n')
		}
		p.data.WriteString(value)
		p.hasData = true
	case "id":
		if !strings.ContainsRune(value, 0) {
			p.id, p.hasID = value, true
			p.lastEventID = value
		}
	case "retry":
		// reconnection is not performed
	}
	return Event{}, false
}

func (p *parser) dispatch() (Event, bool) {
	defer p.reset()
	if !p.hasData {
		return Event{}, false
	}
	ev := Event{
		Type:        p.eventType,
		Data:        p.data.String(),
		LastEventID: p.lastEventID,
	}
	if ev.Type == "" {
		ev.Type = models.DefaultEventType
	}
	if p.hasID {
		ev.ID = p.id
	}
	return ev, true
}

func (p *parser) reset() {
	p.eventType = ""
	p.data.Reset()
	p.hasData = false
	p.id = ""
	p.hasID = false
}
