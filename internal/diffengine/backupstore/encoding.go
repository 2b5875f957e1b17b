package backupstore

import (
	"bytes"
	"encoding/gob"
	"io"

	"github.com/cuemby/diffengine/internal/diffengine/model"
)

// recordEncoder streams model.Record values to an io.Writer using gob, the
// on-disk format of PRUNED-mode preserved SSTs.
type recordEncoder struct {
	enc *gob.Encoder
}

func newRecordEncoder(w io.Writer) *recordEncoder {
	return &recordEncoder{enc: gob.NewEncoder(w)}
}

func (e *recordEncoder) Encode(r model.Record) error {
	return e.enc.Encode(r)
}

// decodeAll reads every gob-encoded record from r until EOF.
func decodeAll(r io.Reader) ([]model.Record, error) {
	dec := gob.NewDecoder(r)
	var out []model.Record
	for {
		var rec model.Record
		if err := dec.Decode(&rec); err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func encodeRef(entry *refEntry) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entry); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeRef(payload []byte) (*refEntry, error) {
	var entry refEntry
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&entry); err != nil {
		return nil, err
	}
	return &entry, nil
}
