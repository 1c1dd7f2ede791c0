package registry

import (
	"time"
)

// Status is the classification of an address by the consumer side.
type Status string

const (
	StatusWhite   Status = "white"
	StatusBlack   Status = "black"
	StatusUnknown Status = "unknown"
)

// Snapshot is a read-only view of a list as written to disk, for processes
// that consult the lists without running the honeypot.
type Snapshot struct {
	Name    string
	Records []ClientRecord
}

// LoadSnapshot reads the list stored at path. A missing file is an empty list.
func LoadSnapshot(name, path string) (*Snapshot, error) {
	s := &Snapshot{Name: name}
	if path == "" {
		return s, nil
	}
	records, err := ReadSnapshot(path)
	if err != nil && !IsNotExist(err) {
		return nil, err
	}
	s.Records = records
	return s, nil
}

// Find returns the record for addr that is younger than maxAge, or nil.
// A maxAge of zero or less disables the age check.
func (s *Snapshot) Find(addr string, maxAge time.Duration, now time.Time) *ClientRecord {
	if s == nil {
		return nil
	}
	for i := range s.Records {
		rec := &s.Records[i]
		if rec.Addr != addr {
			continue
		}
		if maxAge > 0 && rec.Age(now) >= maxAge {
			return nil
		}
		return rec
	}
	return nil
}

// Active returns the records younger than maxAge, in snapshot order.
func (s *Snapshot) Active(maxAge time.Duration, now time.Time) []ClientRecord {
	if s == nil {
		return nil
	}
	active := make([]ClientRecord, 0, len(s.Records))
	for _, rec := range s.Records {
		if maxAge > 0 && rec.Age(now) >= maxAge {
			continue
		}
		active = append(active, rec)
	}
	return active
}

// Classify reports how addr should be treated. The whitelist is consulted
// first: a whitelisted client is white even though it is also on the
// blacklist. Either snapshot may be nil.
func Classify(addr string, black, white *Snapshot, maxAge time.Duration, now time.Time) (Status, *ClientRecord) {
	if rec := white.Find(addr, maxAge, now); rec != nil {
		return StatusWhite, rec
	}
	if rec := black.Find(addr, maxAge, now); rec != nil {
		return StatusBlack, rec
	}
	return StatusUnknown, nil
}
