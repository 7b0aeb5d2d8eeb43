// Package roomname parses collaboration room names of the form "type:uuid".
package roomname

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalid means the room name is not of the form "type:uuid".
var ErrInvalid = errors.New("roomname: invalid room name")

// Name is a parsed room name: the display-hint type and the document id it
// resolves to. Two room names with the same DocID refer to the same logical
// document; Type is a display hint only.
type Name struct {
	Type  string
	DocID string
}

// Parse splits a room name of the form "type:uuid" and validates the uuid.
func Parse(raw string) (Name, error) {
	idx := strings.IndexByte(raw, ':')
	if idx <= 0 || idx == len(raw)-1 {
		return Name{}, ErrInvalid
	}

	typ, idPart := raw[:idx], raw[idx+1:]
	id, err := uuid.Parse(idPart)
	if err != nil {
		return Name{}, ErrInvalid
	}

	return Name{Type: typ, DocID: id.String()}, nil
}
