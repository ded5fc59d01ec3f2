package coordinate

import "encoding/json"

type coordinateJSON struct {
	Depth int     `json:"depth"`
	Path  []uint8 `json:"path"`
}

func (c Coordinate) MarshalJSON() ([]byte, error) {
	return json.Marshal(coordinateJSON{Depth: c.depth, Path: c.Path()})
}

// UnmarshalJSON revalidates the decoded path so a stored coordinate can
// never bypass the constructor checks.
func (c *Coordinate) UnmarshalJSON(data []byte) error {
	var raw coordinateJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	decoded, err := New(raw.Depth, raw.Path)
	if err != nil {
		return err
	}
	*c = decoded
	return nil
}
