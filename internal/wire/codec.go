package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"io"

	"github.com/pkg/errors"
)

// Encode serializes v as a length-prefixed gob record, the wire shape spec
// §6 requires for every control-plane message.
func Encode(v any) ([]byte, error) {
	var body bytes.Buffer
	if err := gob.NewEncoder(&body).Encode(v); err != nil {
		return nil, errors.Wrap(err, "encode wire message")
	}
	var out bytes.Buffer
	if err := binary.Write(&out, binary.BigEndian, uint32(body.Len())); err != nil {
		return nil, errors.Wrap(err, "write length prefix")
	}
	out.Write(body.Bytes())
	return out.Bytes(), nil
}

// Decode reads one length-prefixed gob record into v.
func Decode(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return errors.Wrap(err, "read length prefix")
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return errors.Wrap(err, "read message body")
	}
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(v); err != nil {
		return errors.Wrap(err, "decode wire message")
	}
	return nil
}
