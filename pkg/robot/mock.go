// Package robot provides robot adapters for the assembly engine.
package robot

import (
	"context"
	"fmt"
	"image"
	"sort"
	"strings"
	"sync"

	"github.com/FLASH-73/assembler/pkg/engine"
)

// DefaultJoints are the joints of the simulated 7-axis arm, gripper last.
var DefaultJoints = []string{
	"shoulder_pan",
	"shoulder_lift",
	"elbow_flex",
	"wrist_flex",
	"wrist_roll",
	"wrist_yaw",
	"gripper",
}

// positionSuffix is appended to joint names in observations.
const positionSuffix = ".pos"

// Mock is an in-memory robot. Actions set joint positions directly. It also
// serves as a camera returning a flat grey frame. Safe for concurrent use.
type Mock struct {
	mu      sync.Mutex
	state   map[string]float64
	actions int
	err     error
}

// NewMock creates a mock robot with the given joints, or DefaultJoints.
func NewMock(joints ...string) *Mock {
	if len(joints) == 0 {
		joints = DefaultJoints
	}
	// All joints start at zero
	state := make(map[string]float64, len(joints))
	for _, j := range joints {
		state[j+positionSuffix] = 0
	}
	return &Mock{state: state}
}

// GetObservation returns a copy of the joint positions keyed "<joint>.pos".
func (m *Mock) GetObservation(ctx context.Context) (engine.Observation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return nil, m.err
	}
	obs := make(engine.Observation, len(m.state))
	for k, v := range m.state {
		obs[k] = v
	}
	return obs, nil
}

// SendAction applies an action. Keys may be bare joint names or "<joint>.pos";
// unknown joints are rejected.
func (m *Mock) SendAction(ctx context.Context, action map[string]float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return m.err
	}

	// Validate every key before applying any
	for k := range action {
		if _, ok := m.state[normalize(k)]; !ok {
			return fmt.Errorf("unknown joint %q", k)
		}
	}
	for k, v := range action {
		m.state[normalize(k)] = v
	}
	m.actions++
	return nil
}

// Actions returns how many actions were applied.
func (m *Mock) Actions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.actions
}

// Joints returns the observation keys in sorted order.
func (m *Mock) Joints() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.state))
	for k := range m.state {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FailWith makes every subsequent call return err; nil restores normal operation.
func (m *Mock) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Capture returns a 64x48 mid-grey frame.
func (m *Mock) Capture(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img := image.NewGray(image.Rect(0, 0, 64, 48))
	for i := range img.Pix {
		img.Pix[i] = 128
	}
	return img, nil
}

var _ engine.Robot = (*Mock)(nil)

// normalize adds the position suffix to bare joint names.
func normalize(key string) string {
	if strings.HasSuffix(key, positionSuffix) {
		return key
	}
	return key + positionSuffix
}
