package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Message is one chat message as it travels on the wire
type Message struct {
	Body   string    `json:"body"`
	Date   time.Time `json:"date"`
	Author string    `json:"author"`
}

// NewMessage returns a Message with its date normalised to UTC
// and stripped of any monotonic clock reading, so that it
// survives an encode/decode cycle unchanged.
func NewMessage(author, body string, date time.Time) Message {
	return Message{
		Body:   body,
		Date:   date.Round(0).UTC(),
		Author: author,
	}
}

// Equal reports whether two messages carry the same author, body and instant.
func (m Message) Equal(o Message) bool {
	return m.Author == o.Author && m.Body == o.Body && m.Date.Equal(o.Date)
}

func (m Message) String() string {
	return fmt.Sprintf("[%s] %s: %s", m.Date.Format(time.RFC3339), m.Author, m.Body)
}

type wireMessage struct {
	Body   *string         `json:"body"`
	Date   json.RawMessage `json:"date"`
	Author *string         `json:"author"`
}

// legacyDate is the {secs,nanos} object older clients send for the date field
type legacyDate struct {
	Secs  *int64 `json:"secs_since_epoch"`
	Nanos *int64 `json:"nanos_since_epoch"`
}

// MarshalJSON always writes the date as an RFC3339 string in UTC
func (m Message) MarshalJSON() ([]byte, error) {

	if err := checkYear(m.Date); err != nil {
		return nil, err
	}

	return json.Marshal(struct {
		Body   string `json:"body"`
		Date   string `json:"date"`
		Author string `json:"author"`
	}{
		Body:   m.Body,
		Date:   m.Date.UTC().Format(time.RFC3339Nano),
		Author: m.Author,
	})
}

// UnmarshalJSON requires all three fields to be present with the right types.
// The date may be an RFC3339 string or a {secs_since_epoch, nanos_since_epoch} object.
func (m *Message) UnmarshalJSON(data []byte) error {

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return errors.New("payload is not a JSON object")
	}

	var w wireMessage

	if err := json.Unmarshal(trimmed, &w); err != nil {
		return err
	}

	if w.Author == nil {
		return errors.New("missing author")
	}

	if w.Body == nil {
		return errors.New("missing body")
	}

	date, err := parseDate(w.Date)
	if err != nil {
		return err
	}

	*m = Message{
		Body:   *w.Body,
		Date:   date,
		Author: *w.Author,
	}

	return nil
}

func parseDate(raw json.RawMessage) (time.Time, error) {

	raw = bytes.TrimSpace(raw)

	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, errors.New("missing date")
	}

	switch raw[0] {

	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("bad date: %w", err)
		}
		return t.UTC(), checkYear(t)

	case '{':
		var ld legacyDate
		if err := json.Unmarshal(raw, &ld); err != nil {
			return time.Time{}, err
		}
		if ld.Secs == nil || ld.Nanos == nil {
			return time.Time{}, errors.New("date object needs secs_since_epoch and nanos_since_epoch")
		}
		if *ld.Nanos < 0 || *ld.Nanos >= int64(time.Second) {
			return time.Time{}, errors.New("nanos_since_epoch out of range")
		}
		t := time.Unix(*ld.Secs, *ld.Nanos).UTC()
		return t, checkYear(t)
	}

	return time.Time{}, errors.New("date must be a string or an object")
}

// checkYear rejects dates that RFC3339 cannot represent in UTC
func checkYear(t time.Time) error {
	if y := t.UTC().Year(); y < 0 || y > 9999 {
		return fmt.Errorf("date year %d out of range 0-9999", y)
	}
	return nil
}
