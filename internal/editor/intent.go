package editor

import (
	"encoding/json"
	"fmt"

	"github.com/paulmach/orb"
)

// Intent is a single geometry edit on a pattern. The set of intents is
// closed: Insert, Update and Delete.
type Intent interface {
	Kind() string
	index() int
}

// Insert adds a new control point at Index in the control point list.
type Insert struct {
	Index int
	Point orb.Point
}

// Update moves the control point at Index to Point.
type Update struct {
	Index int
	Point orb.Point
}

// Delete removes the control point at Index. Deleting the control point of a
// halt also removes the halt and requires RemoveHalt.
type Delete struct {
	Index      int
	RemoveHalt bool
}

func (Insert) Kind() string { return "insert" }
func (Update) Kind() string { return "update" }
func (Delete) Kind() string { return "delete" }

func (i Insert) index() int { return i.Index }
func (u Update) index() int { return u.Index }
func (d Delete) index() int { return d.Index }

type intentJSON struct {
	Type       string     `json:"type"`
	Index      int        `json:"index"`
	Point      *orb.Point `json:"point,omitempty"`
	RemoveHalt bool       `json:"removeHalt,omitempty"`
}

// DecodeIntent parses {"type":"insert|update|delete","index":n,"point":[lon,lat]}.
func DecodeIntent(b []byte) (Intent, error) {
	var ij intentJSON
	if err := json.Unmarshal(b, &ij); err != nil {
		return nil, err
	}
	switch ij.Type {
	case "insert", "update":
		if ij.Point == nil {
			return nil, fmt.Errorf("%s requires a point", ij.Type)
		}
		if ij.Type == "insert" {
			return Insert{Index: ij.Index, Point: *ij.Point}, nil
		}
		return Update{Index: ij.Index, Point: *ij.Point}, nil
	case "delete":
		return Delete{Index: ij.Index, RemoveHalt: ij.RemoveHalt}, nil
	default:
		return nil, fmt.Errorf("unknown edit type %q", ij.Type)
	}
}
