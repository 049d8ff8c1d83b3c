package sse

import (
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, r *Reader) []Event {
	t.Helper()
	var events []Event
	for ev, err := range r.All() {
		require.NoError(t, err)
		events = append(events, ev)
	}
	return events
}

func TestReader_ParsesRecordsAcrossPartialReads(t *testing.T) {
	stream := "data: {\"type\":\"status\",\"data\":{\"status\":\"running\"}}\n\n" +
		"data: {\"type\":\"progress\",\"data\":{\"progress\":40}}\n\n"
	r := NewReader(iotest.OneByteReader(strings.NewReader(stream)))

	events := collect(t, r)
	require.Len(t, events, 2)

	var first struct {
		Type string `json:"type"`
	}
	require.NoError(t, events[0].Decode(&first))
	assert.Equal(t, "status", first.Type)
	assert.JSONEq(t, `{"type":"progress","data":{"progress":40}}`, string(events[1].Data))
}

func TestReader_SkipsMalformedRecords(t *testing.T) {
	stream := "data: {not json}\n\n" +
		"data: {\"ok\":true}\n\n"
	r := NewReader(strings.NewReader(stream))

	events := collect(t, r)
	require.Len(t, events, 1)
	assert.JSONEq(t, `{"ok":true}`, string(events[0].Data))
	assert.Equal(t, 1, r.Skipped())
}

func TestReader_FieldsCommentsAndMultilineData(t *testing.T) {
	stream := ": keep-alive\r\n" +
		"id: 7\r\n" +
		"event: progress\r\n" +
		"data: {\"a\":\r\n" +
		"data: 1}\r\n" +
		"\r\n"
	r := NewReader(strings.NewReader(stream))

	events := collect(t, r)
	require.Len(t, events, 1)
	assert.Equal(t, "7", events[0].ID)
	assert.Equal(t, "progress", events[0].Type)
	assert.JSONEq(t, `{"a":1}`, string(events[0].Data))
}

func TestReader_DropsTrailingPartialRecord(t *testing.T) {
	r := NewReader(strings.NewReader("data: {\"a\":1}\n\ndata: {\"b\":2}"))

	events := collect(t, r)
	require.Len(t, events, 1)

	_, err := r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReader_ResumesAfterBreak(t *testing.T) {
	stream := "data: 1\n\ndata: 2\n\ndata: 3\n\n"
	r := NewReader(strings.NewReader(stream))

	for ev, err := range r.All() {
		require.NoError(t, err)
		assert.Equal(t, "1", string(ev.Data))
		break
	}

	rest := collect(t, r)
	require.Len(t, rest, 2)
	assert.Equal(t, "2", string(rest[0].Data))
	assert.Equal(t, "3", string(rest[1].Data))
}

func TestReader_SurfacesStreamErrorOnce(t *testing.T) {
	boom := errors.New("connection reset")
	src := io.MultiReader(strings.NewReader("data: {\"a\":1}\n\n"), iotest.ErrReader(boom))
	r := NewReader(src)

	var (
		events []Event
		errs   []error
	)
	for ev, err := range r.All() {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		events = append(events, ev)
	}
	assert.Len(t, events, 1)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], boom)
}

// A record far larger than the read buffer is delivered intact.
func TestReader_LargeRecord(t *testing.T) {
	big := strings.Repeat("x", 1100*1024)
	stream := "data: {\"type\":\"progress\"}\n\n" +
		"data: {\"type\":\"completed\",\"text\":\"" + big + "\"}\n\n" +
		"data: {\"type\":\"status\"}\n\n"
	r := NewReader(strings.NewReader(stream))

	events := collect(t, r)
	require.Len(t, events, 3)
	assert.Contains(t, string(events[1].Data), `"completed"`)
	assert.Len(t, events[1].Data, len(big)+len(`{"type":"completed","text":""}`))
	assert.Zero(t, r.Skipped())
}

// An over-limit line drops its record and the stream carries on.
func TestReader_SkipsOversizedRecord(t *testing.T) {
	stream := "data: {\"n\":1}\n\n" +
		"event: huge\n" +
		"data: {\"pad\":\"" + strings.Repeat("y", 200) + "\"}\n\n" +
		"data: {\"n\":3}\n\n"
	r := NewReader(iotest.HalfReader(strings.NewReader(stream)))
	r.maxLine = 64

	events := collect(t, r)
	require.Len(t, events, 2)
	assert.JSONEq(t, `{"n":1}`, string(events[0].Data))
	assert.JSONEq(t, `{"n":3}`, string(events[1].Data))
	assert.Empty(t, events[1].Type)
	assert.Equal(t, 1, r.Skipped())
}
