package bandguard

import (
	"strings"
	"time"

	"github.com/hsguard/vanguards/alert"
)

const (
	// cellPayloadSize is the payload of a single cell.
	cellPayloadSize = 509

	// relayPayloadSize is the payload of a relay cell, without its
	// header.
	relayPayloadSize = cellPayloadSize - 11

	bytesPerKB = 1024
	bytesPerMB = 1024 * bytesPerKB

	// maxCircDestroyLag is how long after a guard connection closes a
	// circuit close is still attributed to it.
	maxCircDestroyLag = 2 * time.Second
)

// CircuitRecord tracks a single circuit.
type CircuitRecord struct {
	ID         string
	Path       []string
	Purpose    string
	HSState    string
	OldPurpose string
	OldHSState string

	CreatedAt    time.Time
	LastActivity time.Time
	Built        bool

	ReadBytes           uint64
	SentBytes           uint64
	DeliveredReadBytes  uint64
	DeliveredSentBytes  uint64
	OverheadReadBytes   uint64
	OverheadSentBytes   uint64
	DroppedCellsAllowed int64
	PossiblyDestroyedAt time.Time
	GuardFingerprint    string
	IsHSDir             bool
	IsServiceIntro      bool
	InUse               bool
	closeRequested      bool

	// alerted holds the limit kinds already reported for the circuit.
	alerted map[alert.Kind]struct{}
}

// reported returns whether an alert of the given kind was already raised
// for the circuit.
func (c *CircuitRecord) reported(kind alert.Kind) bool {
	_, ok := c.alerted[kind]
	return ok
}

// TotalBytes returns the bytes read and sent on the circuit.
func (c *CircuitRecord) TotalBytes() uint64 {
	return c.ReadBytes + c.SentBytes
}

// DroppedReadCells returns the number of cells read that were not
// delivered or counted as overhead.
func (c *CircuitRecord) DroppedReadCells() int64 {
	received := c.ReadBytes / cellPayloadSize
	delivered := (c.DeliveredReadBytes + c.OverheadReadBytes) /
		relayPayloadSize

	return int64(received) - int64(delivered)
}

// isHS returns true for onion service circuits.
func (c *CircuitRecord) isHS() bool {
	return strings.HasPrefix(c.Purpose, "HS_") || c.HSState != ""
}

// setPurpose updates purpose derived flags.
func (c *CircuitRecord) setPurpose(purpose, hsState string) {
	c.Purpose = purpose
	c.HSState = hsState

	switch purpose {
	case "HS_CLIENT_HSDIR", "HS_SERVICE_HSDIR":
		c.IsHSDir = true
	case "HS_SERVICE_INTRO":
		c.IsServiceIntro = true
	}
}

// torBug returns the tor bug explaining dropped cells on this circuit, if
// any.
func (c *CircuitRecord) torBug() string {
	switch {
	case c.Purpose == "HS_SERVICE_INTRO" && c.HSState == "HSSI_ESTABLISHED":
		return "#29699"

	case c.Purpose == "CIRCUIT_PADDING" &&
		c.OldPurpose == "HS_CLIENT_INTRO" &&
		c.OldHSState == "HSCI_INTRO_SENT":
		return "#40359"

	case c.Purpose == "HS_CLIENT_REND",
		c.Purpose == "HS_CLIENT_INTRO" && c.HSState == "HSCI_DONE":
		return "#29927"

	case c.Purpose == "HS_SERVICE_REND" && c.HSState == "HSSR_CONNECTING":
		return "#29700"

	case c.Purpose == "PATH_BIAS_TESTING":
		return "#29786"
	}

	return ""
}

// guardConn is a live OR connection to one of our guards.
type guardConn struct {
	fingerprint string
	connectedAt time.Time
}

// GuardStats counts connection events per guard.
type GuardStats struct {
	ConnsMade    int
	KilledConns  int
	CloseReasons map[string]int
	killedConnAt time.Time
}
