package device

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("device: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("device: CBOR decoder initialization failed: " + err.Error())
	}
}

// wireRecord is the persisted form of a Record: a fixed five element array.
type wireRecord struct {
	_        struct{} `cbor:",toarray"`
	Hostname string
	IP       string
	MAC      string
	LastSeen int64
	Active   bool
}

func encodeRecord(r Record) ([]byte, error) {
	return encMode.Marshal(wireRecord{
		Hostname: r.Hostname,
		IP:       r.IP,
		MAC:      r.MAC,
		LastSeen: r.LastSeen,
		Active:   r.Active,
	})
}

func decodeRecord(data []byte) (Record, error) {
	var w wireRecord
	if err := decMode.Unmarshal(data, &w); err != nil {
		return Record{}, fmt.Errorf("failed to decode device record: %w", err)
	}
	return Record{
		Hostname: w.Hostname,
		IP:       w.IP,
		MAC:      w.MAC,
		LastSeen: w.LastSeen,
		Active:   w.Active,
	}, nil
}
