package presence

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Presence is the record describing where a session currently is.
// LastModified is server-assigned at write time, in Unix milliseconds.
type Presence struct {
	SessionID    string          `json:"sessionId"`
	UserID       string          `json:"userId"`
	LocationID   string          `json:"locationId"`
	Data         json.RawMessage `json:"data"`
	LastModified int64           `json:"lastModified"`
}

// Validate checks the schema constraints for a submitted presence.
func (p *Presence) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: presence is nil", ErrInvalidEntity)
	}
	if p.SessionID == "" {
		return fmt.Errorf("%w: sessionId is empty", ErrInvalidEntity)
	}
	if p.UserID == "" {
		return fmt.Errorf("%w: userId is empty", ErrInvalidEntity)
	}
	if p.LocationID == "" {
		return fmt.Errorf("%w: locationId is empty", ErrInvalidEntity)
	}
	if len(p.Data) > 0 && !json.Valid(p.Data) {
		return fmt.Errorf("%w: data is not valid JSON", ErrInvalidEntity)
	}
	return nil
}

// DataOrNull returns the data payload in wire form, defaulting to JSON null.
func (p *Presence) DataOrNull() string {
	if len(p.Data) == 0 {
		return "null"
	}
	return string(p.Data)
}

// EncodedSize is the byte length of the five fields as they are stored.
func (p *Presence) EncodedSize() int {
	return len(p.SessionID) + len(p.UserID) + len(p.LocationID) +
		len(p.DataOrNull()) + len(strconv.FormatInt(p.LastModified, 10))
}

// DecodeTuple converts a [sessionId, userId, locationId, data, lastModified]
// reply from one of the read scripts into a Presence. A reply whose fields are
// missing (the stored hash is gone or incomplete) decodes as nil with no error.
func DecodeTuple(reply interface{}) (*Presence, error) {
	tuple, ok := reply.([]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: reply is not an array", ErrInvalidPresence)
	}
	if len(tuple) < 5 {
		// Script signals "gone" with a short or empty tuple.
		return nil, nil
	}
	fields := make([]string, 5)
	for i := 0; i < 5; i++ {
		s, ok := tuple[i].(string)
		if !ok {
			// A false/nil hole means the hash was missing a required field.
			return nil, nil
		}
		fields[i] = s
	}
	lastModified, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: lastModified %q is not an integer", ErrInvalidPresence, fields[4])
	}
	if !json.Valid([]byte(fields[3])) {
		return nil, fmt.Errorf("%w: stored data is not valid JSON", ErrInvalidPresence)
	}
	return &Presence{
		SessionID:    fields[0],
		UserID:       fields[1],
		LocationID:   fields[2],
		Data:         json.RawMessage(fields[3]),
		LastModified: lastModified,
	}, nil
}

// DecodeTuples decodes a reply containing zero or more presence tuples.
// Tuples that decode as gone are skipped; a structurally invalid tuple fails
// the whole batch.
func DecodeTuples(reply interface{}) ([]*Presence, error) {
	list, ok := reply.([]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: reply is not an array", ErrInvalidPresence)
	}
	out := make([]*Presence, 0, len(list))
	for _, item := range list {
		p, err := DecodeTuple(item)
		if err != nil {
			return nil, err
		}
		if p != nil {
			out = append(out, p)
		}
	}
	return out, nil
}
