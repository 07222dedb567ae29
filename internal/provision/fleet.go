package provision

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/bc-dunia/mqttdrill/internal/tokens"
)

// FleetSpec describes a numbered run of devices to provision.
type FleetSpec struct {
	Prefix string // device name prefix, e.g. "device_"
	Count  int
	Start  int    // first index, names run Prefix+Start .. Prefix+Start+Count-1
	Type   string // ThingsBoard device type
	Batch  string // batch label stamped into server attributes
}

// Fleet ensures every device in the spec exists and returns them in index
// order with their access tokens. Devices that already exist are reused, so
// the call is safe to repeat.
func Fleet(ctx context.Context, c *Client, spec FleetSpec) ([]tokens.Device, error) {
	if spec.Count <= 0 {
		return nil, fmt.Errorf("fleet count must be > 0")
	}
	group := strings.TrimRight(spec.Prefix, "_-")
	started := time.Now()

	fleet := make([]tokens.Device, 0, spec.Count)
	for i := spec.Start; i < spec.Start+spec.Count; i++ {
		name := fmt.Sprintf("%s%d", spec.Prefix, i)

		dev, err := c.EnsureDevice(ctx, name, spec.Type)
		if err != nil {
			return nil, err
		}
		token, err := c.Credentials(ctx, dev.ID)
		if err != nil {
			return nil, err
		}
		attrs := map[string]any{"batch": spec.Batch, "group": group, "index": i}
		if err := c.SetServerAttributes(ctx, dev.ID, attrs); err != nil {
			return nil, err
		}

		fleet = append(fleet, tokens.Device{ID: name, Token: token})
		if done := len(fleet); done%50 == 0 {
			log.Printf("[Provision] %d/%d devices ready (%.1fs)", done, spec.Count, time.Since(started).Seconds())
		}
	}
	return fleet, nil
}
