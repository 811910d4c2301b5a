package topology

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zhaozhiyuan0256/GeminiEmulator/internal/ephemeris"
)

// Kind tags a node as a satellite or a ground facility.
type Kind int

const (
	KindSatellite Kind = iota
	KindFacility
)

func (k Kind) String() string {
	switch k {
	case KindSatellite:
		return "satellite"
	case KindFacility:
		return "facility"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Node is a vertex of the topology. Its position in Graph.Nodes is its
// matrix index for the lifetime of the graph.
type Node struct {
	Name string `json:"name"`
	Kind Kind   `json:"kind"`
}

// Role is the direction of a static inter-satellite link, relative to the
// satellite that declares it.
type Role int

const (
	RoleUp Role = iota
	RoleDown
	RoleLeft
	RoleRight
)

// Roles lists every role in declaration order.
var Roles = [...]Role{RoleUp, RoleDown, RoleLeft, RoleRight}

var roleNames = [...]string{"up", "down", "left", "right"}

func (r Role) String() string {
	if r < 0 || int(r) >= len(roleNames) {
		return fmt.Sprintf("role(%d)", int(r))
	}
	return roleNames[r]
}

// ParseRole accepts up, down, left or right in any case.
func ParseRole(s string) (Role, error) {
	for i, name := range roleNames {
		if strings.EqualFold(s, name) {
			return Role(i), nil
		}
	}
	return 0, fmt.Errorf("unknown link role %q", s)
}

// StaticLink is one line of the ISL file: From names To as its Role neighbor.
type StaticLink struct {
	From string
	Role Role
	To   string

	Source string // file the link was read from
	Line   int
}

// Facility is a named ground point.
type Facility struct {
	Name  string
	Point ephemeris.GroundPoint
}

// LinkInfo names a neighbor and the one-way delay to it.
// It encodes to JSON as [name, delay_ms].
type LinkInfo struct {
	Name    string
	DelayMs float64
}

func (l LinkInfo) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{l.Name, l.DelayMs})
}

func (l *LinkInfo) UnmarshalJSON(b []byte) error {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[0], &l.Name); err != nil {
		return err
	}
	return json.Unmarshal(raw[1], &l.DelayMs)
}

// Neighbors is the per-node neighbor descriptor. It is implemented only by
// SatelliteNeighbors and FacilityNeighbors.
type Neighbors interface {
	Kind() Kind
	neighbors()
}

// SatelliteNeighbors holds a satellite's static neighbors by role and the
// facilities it currently serves, in facility order.
type SatelliteNeighbors struct {
	Up, Down, Left, Right *LinkInfo
	AccessedFacilities    []LinkInfo
}

func (SatelliteNeighbors) Kind() Kind { return KindSatellite }
func (SatelliteNeighbors) neighbors() {}

// Role returns the neighbor for r, or nil when none is declared or its delay
// could not be computed this tick.
func (n SatelliteNeighbors) Role(r Role) *LinkInfo {
	switch r {
	case RoleUp:
		return n.Up
	case RoleDown:
		return n.Down
	case RoleLeft:
		return n.Left
	case RoleRight:
		return n.Right
	}
	return nil
}

func (n *SatelliteNeighbors) setRole(r Role, l *LinkInfo) {
	switch r {
	case RoleUp:
		n.Up = l
	case RoleDown:
		n.Down = l
	case RoleLeft:
		n.Left = l
	case RoleRight:
		n.Right = l
	}
}

func (n SatelliteNeighbors) clone() SatelliteNeighbors {
	c := SatelliteNeighbors{
		Up:    cloneLink(n.Up),
		Down:  cloneLink(n.Down),
		Left:  cloneLink(n.Left),
		Right: cloneLink(n.Right),
	}
	if n.AccessedFacilities != nil {
		c.AccessedFacilities = append([]LinkInfo(nil), n.AccessedFacilities...)
	}
	return c
}

func (n SatelliteNeighbors) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Up     *LinkInfo  `json:"up_neighbor_info"`
		Down   *LinkInfo  `json:"down_neighbor_info"`
		Left   *LinkInfo  `json:"left_neighbor_info"`
		Right  *LinkInfo  `json:"right_neighbor_info"`
		Ground []LinkInfo `json:"ground_neighbor_info"`
	}{n.Up, n.Down, n.Left, n.Right, n.AccessedFacilities})
}

// FacilityNeighbors holds a facility's serving satellite, nil during a
// visibility gap.
type FacilityNeighbors struct {
	ServingSatellite *LinkInfo
}

func (FacilityNeighbors) Kind() Kind { return KindFacility }
func (FacilityNeighbors) neighbors() {}

func (n FacilityNeighbors) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Sat *LinkInfo `json:"sat_neighbor_info"`
	}{n.ServingSatellite})
}

func cloneLink(l *LinkInfo) *LinkInfo {
	if l == nil {
		return nil
	}
	c := *l
	return &c
}

// NeighborSnapshot maps node name to its neighbor descriptor.
type NeighborSnapshot map[string]Neighbors
