package conflict

import "encoding/json"

// GCounter is a grow-only counter: one non-negative count per device,
// merged by per-device max
type GCounter map[string]int64

// NewGCounter creates an empty grow-only counter
func NewGCounter() GCounter {
	return GCounter{}
}

// Increment adds n (negative n is ignored) at the device
func (c GCounter) Increment(deviceID string, n int64) {
	if n > 0 {
		c[deviceID] += n
	}
}

// Value is the sum over all devices
func (c GCounter) Value() int64 {
	var sum int64
	for _, v := range c {
		sum += v
	}
	return sum
}

// Merge folds other into a new counter by per-device max
func (c GCounter) Merge(other GCounter) GCounter {
	out := make(GCounter, len(c)+len(other))
	for k, v := range c {
		out[k] = v
	}
	for k, v := range other {
		if v > out[k] {
			out[k] = v
		}
	}
	return out
}

// PNCounter supports increments and decrements as a pair of G-Counters
type PNCounter struct {
	P GCounter `json:"p"`
	N GCounter `json:"n"`
}

// NewPNCounter creates an empty counter
func NewPNCounter() PNCounter {
	return PNCounter{P: NewGCounter(), N: NewGCounter()}
}

// Increment adds n at the device
func (c PNCounter) Increment(deviceID string, n int64) {
	c.P.Increment(deviceID, n)
}

// Decrement subtracts n at the device
func (c PNCounter) Decrement(deviceID string, n int64) {
	c.N.Increment(deviceID, n)
}

// Value is increments minus decrements
func (c PNCounter) Value() int64 {
	return c.P.Value() - c.N.Value()
}

// Merge merges both halves independently
func (c PNCounter) Merge(other PNCounter) PNCounter {
	return PNCounter{P: c.P.Merge(other.P), N: c.N.Merge(other.N)}
}

// LWWRegister holds the value written at the largest timestamp. Timestamp
// ties resolve deterministically by comparing the encoded values.
type LWWRegister struct {
	Value     any   `json:"value"`
	Timestamp int64 `json:"timestamp"`
}

// NewLWWRegister creates a register with an initial value
func NewLWWRegister(value any, timestamp int64) LWWRegister {
	return LWWRegister{Value: value, Timestamp: timestamp}
}

// Set overwrites the register when ts is not older than the current write
func (r *LWWRegister) Set(value any, timestamp int64) {
	if timestamp >= r.Timestamp {
		r.Value = value
		r.Timestamp = timestamp
	}
}

// Merge keeps the later write
func (r LWWRegister) Merge(other LWWRegister) LWWRegister {
	switch {
	case other.Timestamp > r.Timestamp:
		return other
	case other.Timestamp < r.Timestamp:
		return r
	}
	// Tie: larger encoded value wins so merge stays commutative
	if encode(other.Value) > encode(r.Value) {
		return other
	}
	return r
}

// LWWMap is a map of LWW registers merged per key
type LWWMap map[string]LWWRegister

// NewLWWMap creates an empty map
func NewLWWMap() LWWMap {
	return LWWMap{}
}

// Set writes key at timestamp, keeping the later write on collision
func (m LWWMap) Set(key string, value any, timestamp int64) {
	reg, ok := m[key]
	if !ok {
		m[key] = LWWRegister{Value: value, Timestamp: timestamp}
		return
	}
	reg.Set(value, timestamp)
	m[key] = reg
}

// Get returns the current value for key
func (m LWWMap) Get(key string) (any, bool) {
	reg, ok := m[key]
	if !ok {
		return nil, false
	}
	return reg.Value, true
}

// Value flattens the map to plain key/value pairs
func (m LWWMap) Value() map[string]any {
	out := make(map[string]any, len(m))
	for k, reg := range m {
		out[k] = reg.Value
	}
	return out
}

// Merge merges per key
func (m LWWMap) Merge(other LWWMap) LWWMap {
	out := make(LWWMap, len(m)+len(other))
	for k, reg := range m {
		out[k] = reg
	}
	for k, reg := range other {
		if cur, ok := out[k]; ok {
			out[k] = cur.Merge(reg)
		} else {
			out[k] = reg
		}
	}
	return out
}

func encode(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
