// Package sse reads server-sent event streams as a lazy sequence of JSON
// payloads.
package sse

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"strings"
)

// maxLineSize bounds one line of the stream. Longer lines are discarded up
// to their newline and the record they belong to is skipped.
const maxLineSize = 32 * 1024 * 1024

// Event is one complete record of the stream.
type Event struct {
	ID   string
	Type string
	Data json.RawMessage
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// Reader yields events from a byte stream. Records whose data is not valid
// JSON, or that hold a line over maxLineSize, are skipped. Records cut off
// by the end of the stream are dropped.
type Reader struct {
	br      *bufio.Reader
	maxLine int
	err     error
	skipped int
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 64*1024), maxLine: maxLineSize}
}

// readLine returns the next line without its terminator. oversized is set
// when the line was longer than r.maxLine; its content is then discarded.
func (r *Reader) readLine() (line string, oversized bool, err error) {
	var buf []byte
	for {
		frag, isPrefix, err := r.br.ReadLine()
		if err != nil {
			return "", false, err
		}
		if !oversized {
			if len(buf)+len(frag) > r.maxLine {
				oversized = true
				buf = nil
			} else {
				buf = append(buf, frag...)
			}
		}
		if !isPrefix {
			return string(buf), oversized, nil
		}
	}
}

// Next returns the next well-formed event. It returns io.EOF once the stream
// ends cleanly and the same terminal error on every later call.
func (r *Reader) Next() (Event, error) {
	if r.err != nil {
		return Event{}, r.err
	}

	var (
		ev      Event
		data    []string
		tooLong bool
	)
	for {
		line, oversized, err := r.readLine()
		if err != nil {
			r.err = err
			break
		}
		if oversized {
			tooLong = true
			continue
		}
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			if len(data) == 0 && !tooLong {
				ev = Event{}
				continue
			}
			payload := strings.Join(data, "\n")
			data = data[:0]
			if tooLong || !json.Valid([]byte(payload)) {
				r.skipped++
				ev, tooLong = Event{}, false
				continue
			}
			ev.Data = json.RawMessage(payload)
			return ev, nil
		}

		field, value := splitField(line)
		switch field {
		case "data":
			data = append(data, value)
		case "event":
			ev.Type = value
		case "id":
			ev.ID = value
		}
	}
	return Event{}, r.err
}

// All returns the remaining events as a sequence. Ranging over it again
// resumes where the previous loop stopped. A non-EOF stream error is
// yielded once as the last element.
func (r *Reader) All() iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for {
			ev, err := r.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(Event{}, err)
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

// Skipped returns how many malformed records were dropped so far.
func (r *Reader) Skipped() int {
	return r.skipped
}

func splitField(line string) (string, string) {
	if strings.HasPrefix(line, ":") {
		return "", ""
	}
	name, value, found := strings.Cut(line, ":")
	if !found {
		return line, ""
	}
	return name, strings.TrimPrefix(value, " ")
}
