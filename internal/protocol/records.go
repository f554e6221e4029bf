package protocol

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// RecordBuilder assembles a newline-delimited key=value payload record.
// Values have CR/LF stripped so a hostile value cannot forge extra keys.
type RecordBuilder struct {
	buf bytes.Buffer
}

// NewRecord creates an empty RecordBuilder.
func NewRecord() *RecordBuilder {
	return &RecordBuilder{}
}

// Add appends one key=value line.
func (r *RecordBuilder) Add(key, value string) *RecordBuilder {
	value = strings.NewReplacer("\r", "", "\n", " ").Replace(value)
	r.buf.WriteString(key)
	r.buf.WriteByte('=')
	r.buf.WriteString(value)
	r.buf.WriteByte('\n')
	return r
}

// AddInt appends one key=value line with a decimal integer value.
func (r *RecordBuilder) AddInt(key string, value int64) *RecordBuilder {
	return r.Add(key, strconv.FormatInt(value, 10))
}

// AddUint appends one key=value line with a decimal unsigned value.
func (r *RecordBuilder) AddUint(key string, value uint64) *RecordBuilder {
	return r.Add(key, strconv.FormatUint(value, 10))
}

// AddBool appends one key=value line encoding the flag as 1 or 0.
func (r *RecordBuilder) AddBool(key string, value bool) *RecordBuilder {
	if value {
		return r.Add(key, "1")
	}
	return r.Add(key, "0")
}

// Bytes returns the assembled record.
func (r *RecordBuilder) Bytes() []byte {
	return r.buf.Bytes()
}

// String returns the assembled record as a string.
func (r *RecordBuilder) String() string {
	return r.buf.String()
}

// JoinRecords joins multiple records with the single-byte 0xC8 delimiter
// the legacy protocol uses for list payloads (buddy lists, user lists,
// categories).
func JoinRecords(records ...[]byte) []byte {
	return bytes.Join(records, []byte{RecordDelimiter})
}

// EOFRecord terminates user-list payloads.
var EOFRecord = []byte("eof=1\n")

// ParseRecord parses a single newline-delimited key=value record.
// Lines without '=' and empty lines are skipped; a duplicate key keeps
// the first value seen.
func ParseRecord(data []byte) map[string]string {
	fields := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if _, dup := fields[k]; !dup {
			fields[k] = v
		}
	}
	return fields
}

// SplitRecords splits a multi-record payload on the 0xC8 delimiter.
func SplitRecords(data []byte) [][]byte {
	return bytes.Split(data, []byte{RecordDelimiter})
}

// RecordInt reads a decimal integer field from a parsed record.
func RecordInt(fields map[string]string, key string) (int64, error) {
	v, ok := fields[key]
	if !ok {
		return 0, fmt.Errorf("record missing field %q", key)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("record field %q: %w", key, err)
	}
	return n, nil
}

// CString interprets a payload as a NUL- or whitespace-terminated string,
// the way legacy clients send free-text fields.
func CString(payload []byte) string {
	if i := bytes.IndexByte(payload, 0); i >= 0 {
		payload = payload[:i]
	}
	return strings.TrimSpace(string(payload))
}
