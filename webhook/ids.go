package webhook

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/sony/sonyflake"
)

// idEpoch keeps delivery ids small and time-sortable.
var idEpoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// IDGenerator issues time-sortable delivery ids.
type IDGenerator struct {
	flake *sonyflake.Sonyflake
}

// ProcessMachineID is the machine id used when none is configured. It is
// the low 16 bits of the pid, so a CLI run and a server sharing one log
// database on the same host issue disjoint ids.
func ProcessMachineID() uint16 {
	return uint16(os.Getpid()) // #nosec G115 -- truncation intended
}

// NewIDGenerator creates a generator. A fixed machine id avoids the
// private-IP lookup, which fails on hosts without one.
func NewIDGenerator(machineID uint16) (*IDGenerator, error) {
	flake, err := sonyflake.New(sonyflake.Settings{
		StartTime: idEpoch,
		MachineID: func() (uint16, error) { return machineID, nil },
	})
	if err != nil {
		return nil, fmt.Errorf("webhook: id generator: %w", err)
	}
	return &IDGenerator{flake: flake}, nil
}

// Next returns a new id.
func (g *IDGenerator) Next() (int64, error) {
	id, err := g.flake.NextID()
	if err != nil {
		return 0, fmt.Errorf("webhook: next id: %w", err)
	}
	return int64(id), nil // #nosec G115 -- sonyflake ids use 63 bits
}

// NextString returns a new id in decimal.
func (g *IDGenerator) NextString() (string, error) {
	id, err := g.Next()
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(id, 10), nil
}
