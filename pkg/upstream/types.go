package upstream

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Response is the validated upstream payload
type Response struct {
	Results []Member `json:"results"`
	Info    Info     `json:"info"`
}

// Info describes the generated result set
type Info struct {
	Seed    string `json:"seed"`
	Results int    `json:"results"`
	Page    int    `json:"page"`
	Version string `json:"version"`
}

// Member is one person record
type Member struct {
	Gender   string   `json:"gender"`
	Name     Name     `json:"name"`
	Location Location `json:"location"`
	Email    string   `json:"email"`
	Login    Login    `json:"login"`
	DOB      DOB      `json:"dob"`
	Phone    string   `json:"phone"`
	Cell     string   `json:"cell"`
	ID       Identity `json:"id"`
	Picture  Picture  `json:"picture"`
	Nat      string   `json:"nat"`
}

// DisplayName returns "first last"
func (m Member) DisplayName() string {
	return m.Name.First + " " + m.Name.Last
}

// Clone returns a copy that shares no pointers with m
func (m Member) Clone() Member {
	m.ID = Identity{Name: cloneString(m.ID.Name), Value: cloneString(m.ID.Value)}
	return m
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// UUID returns the member's unique identifier
func (m Member) UUID() string {
	return m.Login.UUID
}

type Name struct {
	Title string `json:"title"`
	First string `json:"first"`
	Last  string `json:"last"`
}

type Location struct {
	Street   Street   `json:"street"`
	City     string   `json:"city"`
	State    string   `json:"state"`
	Country  string   `json:"country"`
	Postcode Postcode `json:"postcode"`
}

// Address formats the location on one line
func (l Location) Address() string {
	return fmt.Sprintf("%d %s, %s, %s, %s", l.Street.Number, l.Street.Name, l.City, l.State, l.Country)
}

type Street struct {
	Number int    `json:"number"`
	Name   string `json:"name"`
}

type Login struct {
	UUID string `json:"uuid"`
}

type DOB struct {
	Date string `json:"date"`
	Age  int    `json:"age"`
}

// Identity is a national identifier; both fields may be null upstream.
type Identity struct {
	Name  *string `json:"name"`
	Value *string `json:"value"`
}

type Picture struct {
	Large     string `json:"large"`
	Medium    string `json:"medium"`
	Thumbnail string `json:"thumbnail"`
}

// Postcode is either a string or a number upstream. The original JSON form
// is kept so re-encoding is lossless.
type Postcode struct {
	value   string
	numeric bool
}

// NewPostcode returns a string postcode
func NewPostcode(s string) Postcode {
	return Postcode{value: s}
}

func (p Postcode) String() string {
	return p.value
}

// IsNumeric reports whether the upstream sent a number
func (p Postcode) IsNumeric() bool {
	return p.numeric
}

func (p *Postcode) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*p = Postcode{value: s}
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("postcode must be a string or a number: %w", err)
	}
	*p = Postcode{value: n.String(), numeric: true}
	return nil
}

func (p Postcode) MarshalJSON() ([]byte, error) {
	if p.numeric {
		return []byte(p.value), nil
	}
	return json.Marshal(p.value)
}
