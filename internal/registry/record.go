package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/inercia/honeypot/internal/fileutil"
)

// ClientRecord holds what the honeypot knows about one remote address.
type ClientRecord struct {
	// Addr is the remote address exactly as reported by the socket.
	// IPv4-mapped IPv6 forms are kept verbatim; it is the lookup key.
	Addr string
	// LastSeen is the time of the most recent connection attempt,
	// stored with millisecond precision to match the snapshot format.
	LastSeen time.Time
	// Ports holds the most recent local ports opened, oldest first.
	Ports []int
	// Count is the total number of attempts, never reset by port trimming.
	Count int
}

// snapshotRecord is the on-disk form of a ClientRecord:
//
//	{"ts":1520873708984,"addr":"::ffff:192.168.2.51","ports":[2001,2003],"count":20}
type snapshotRecord struct {
	TS    int64  `json:"ts"`
	Addr  string `json:"addr"`
	Ports []int  `json:"ports"`
	Count int    `json:"count"`
}

// MarshalJSON encodes the record in snapshot form.
func (r ClientRecord) MarshalJSON() ([]byte, error) {
	ports := r.Ports
	if ports == nil {
		ports = []int{}
	}
	return json.Marshal(snapshotRecord{
		TS:    r.LastSeen.UnixMilli(),
		Addr:  r.Addr,
		Ports: ports,
		Count: r.Count,
	})
}

// UnmarshalJSON decodes a record from snapshot form.
func (r *ClientRecord) UnmarshalJSON(data []byte) error {
	var s snapshotRecord
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s.Addr == "" {
		return fmt.Errorf("record without address")
	}
	if s.Count < 1 {
		s.Count = 1
	}
	r.Addr = s.Addr
	r.LastSeen = time.UnixMilli(s.TS)
	r.Ports = s.Ports
	r.Count = s.Count
	return nil
}

// Age returns how long ago the record was last seen, relative to now.
func (r *ClientRecord) Age(now time.Time) time.Duration {
	return now.Sub(r.LastSeen)
}

// clone returns a deep copy of the record.
func (r *ClientRecord) clone() ClientRecord {
	c := *r
	c.Ports = append([]int(nil), r.Ports...)
	return c
}

// ReadSnapshot reads the records stored in a snapshot file, in order.
// A missing file returns an error for which IsNotExist is true.
func ReadSnapshot(path string) ([]ClientRecord, error) {
	var records []ClientRecord
	if err := fileutil.ReadJSON(path, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// IsNotExist reports whether err means the snapshot file does not exist.
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
