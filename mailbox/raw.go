package mailbox

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/emersion/go-message/textproto"
)

// ParseRaw splits an RFC 5322 message into its header fields and body.
// When a field repeats, the first occurrence wins.
func ParseRaw(raw []byte) (map[string]string, []byte, error) {
	br := bufio.NewReader(bytes.NewReader(raw))
	header, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, nil, fmt.Errorf("read message header: %w", err)
	}

	headers := make(map[string]string, header.Len())
	fields := header.Fields()
	for fields.Next() {
		key := fields.Key()
		if _, ok := headers[key]; ok {
			continue
		}
		headers[key] = header.Get(key)
	}

	body, err := io.ReadAll(br)
	if err != nil {
		return nil, nil, fmt.Errorf("read message body: %w", err)
	}
	return headers, body, nil
}
