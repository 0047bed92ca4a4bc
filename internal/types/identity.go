package types

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// ParticipantKind tags which representation a Participant was built from.
type ParticipantKind int

const (
	ParticipantUnknown ParticipantKind = iota
	ParticipantID
	ParticipantUser
	ParticipantWrapped
)

// UnknownID is returned for identities that could not be resolved.
const UnknownID = ""

// Participant is a user reference as it appears in room and message payloads:
// a plain id, an embedded user object, or a wrapper object holding either
// under a "user" key.
type Participant struct {
	Kind ParticipantKind
	ID   string
	User *User
}

var (
	idFields   = []string{"id", "_id", "userId", "user_id"}
	nameFields = []string{"username", "name", "fullName", "full_name"}
)

func ParticipantFromID(id string) Participant {
	if id == "" {
		return Participant{}
	}
	return Participant{Kind: ParticipantID, ID: id}
}

func ParticipantFromUser(u User) Participant {
	return Participant{Kind: ParticipantUser, User: &u}
}

// UserID normalizes every representation to a user id, falling back to
// UnknownID.
func (p Participant) UserID() string {
	switch p.Kind {
	case ParticipantID:
		return p.ID
	case ParticipantUser, ParticipantWrapped:
		if p.User != nil {
			return p.User.Id
		}
	}
	return UnknownID
}

func (p Participant) DisplayName() string {
	if p.User != nil {
		return p.User.Username
	}
	return ""
}

func (p Participant) IsZero() bool {
	return p.UserID() == UnknownID
}

// WithUser upgrades a bare id reference with user details when the ids agree.
func (p Participant) WithUser(u User) Participant {
	if p.Kind == ParticipantID && u.Id == p.ID {
		return ParticipantFromUser(u)
	}
	return p
}

func (p Participant) MarshalJSON() ([]byte, error) {
	switch p.Kind {
	case ParticipantID:
		return json.Marshal(p.ID)
	case ParticipantUser, ParticipantWrapped:
		if p.User != nil {
			return json.Marshal(p.User)
		}
	}
	return []byte("null"), nil
}

// UnmarshalJSON never fails on unexpected shapes; they decode to an unknown
// participant.
func (p *Participant) UnmarshalJSON(data []byte) error {
	*p = parseParticipant(data, true)
	return nil
}

func parseParticipant(data []byte, allowWrapper bool) Participant {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Participant{}
	}

	switch data[0] {
	case '"', '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		return ParticipantFromID(scalarID(data))
	case '{':
	default:
		return Participant{}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Participant{}
	}

	if raw, ok := fields["user"]; ok && allowWrapper {
		inner := parseParticipant(raw, false)
		switch inner.Kind {
		case ParticipantID:
			return Participant{Kind: ParticipantWrapped, User: &User{Id: inner.ID}}
		case ParticipantUser:
			return Participant{Kind: ParticipantWrapped, User: inner.User}
		}
	}

	u := User{}
	for _, key := range idFields {
		if raw, ok := fields[key]; ok {
			if id := scalarID(raw); id != "" {
				u.Id = id
				break
			}
		}
	}
	if u.Id == "" {
		return Participant{}
	}

	for _, key := range nameFields {
		if raw, ok := fields[key]; ok {
			var name string
			if json.Unmarshal(raw, &name) == nil && name != "" {
				u.Username = name
				break
			}
		}
	}
	if raw, ok := fields["online"]; ok {
		_ = json.Unmarshal(raw, &u.Online)
	}

	return ParticipantFromUser(u)
}

// scalarID reads a JSON string or number as an id.
func scalarID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}

	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&n); err == nil {
		if i, err := n.Int64(); err == nil {
			return strconv.FormatInt(i, 10)
		}
		return n.String()
	}

	return UnknownID
}
