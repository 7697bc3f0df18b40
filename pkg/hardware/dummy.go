package hardware

import (
	"fmt"

	"github.com/tigerbot-team/drmd/pkg/config"
	"github.com/tigerbot-team/drmd/pkg/pins"
	"github.com/tigerbot-team/drmd/pkg/uvsensor"
)

// NewDummy builds the instrument on in-memory pins and a simulated sensor,
// for running the controller on a desk.
func NewDummy(cfg config.Config) *Hardware {
	fmt.Println("DHW: Using dummy pins and sensor")
	return NewWith(pins.Dummy().Verbose(), uvsensor.Dummy(7), cfg)
}
