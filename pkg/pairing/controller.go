package pairing

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/d2d-protocol/d2d-go/pkg/device"
)

// Decision is the outcome of evaluating a record against pairing flags.
type Decision uint8

const (
	// Accept - the device may be used as-is.
	Accept Decision = iota

	// ProposeBonding - the device may be used, but bonding should be offered.
	ProposeBonding

	// ForceBonding - the device must be bonded before use.
	ForceBonding

	// Reject - policy forbids using the device.
	Reject
)

// String returns the decision name.
func (d Decision) String() string {
	switch d {
	case Accept:
		return "ACCEPT"
	case ProposeBonding:
		return "PROPOSE_BONDING"
	case ForceBonding:
		return "FORCE_BONDING"
	case Reject:
		return "REJECT"
	default:
		return "UNKNOWN"
	}
}

// Verdict is the result of Evaluate.
type Verdict struct {
	Decision Decision

	// Unbonded is set when RemovePairing unbonded the device during evaluation.
	Unbonded bool

	// Record is the record after evaluation. It differs from the input only
	// when Unbonded is set.
	Record device.Record
}

// BondStore persists the bonded list.
type BondStore interface {
	SaveBond(rec device.Record) error
	DeleteBond(id uuid.UUID) error
	LoadBonds() ([]device.Record, error)
}

// Errors.
var (
	ErrNotBonded = errors.New("device is not bonded")
)

// Config configures a Controller.
type Config struct {
	// Bonds persists bonding changes. Nil keeps them in memory only.
	Bonds BondStore

	// Logger is used for operational logs. Nil discards.
	Logger *slog.Logger
}

// Controller evaluates pairing policy and owns trust transitions.
type Controller struct {
	store  *device.Store
	bonds  BondStore
	logger *slog.Logger
}

// NewController creates a controller operating on store.
func NewController(store *device.Store, cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Controller{
		store:  store,
		bonds:  cfg.Bonds,
		logger: logger,
	}
}

// Evaluate applies flags to rec. Flags must already be validated.
//
// The only side effect is the unbonding triggered by RemovePairing, which goes
// through the store and the bond store like Unbond.
func (c *Controller) Evaluate(rec device.Record, flags device.Flags) (Verdict, error) {
	v := Verdict{Record: rec}
	bonded := rec.IsBonded()

	switch {
	case !flags.AcceptAnonymous && !bonded:
		v.Decision = Reject
	case flags.ForcePairing && !bonded:
		v.Decision = ForceBonding
	case flags.ProposePairing && rec.Trust == device.TrustDiscovered:
		v.Decision = ProposeBonding
	case flags.RemovePairing && bonded:
		updated, err := c.Unbond(rec.UUID())
		if err != nil {
			return Verdict{}, err
		}
		v.Decision = Accept
		v.Unbonded = true
		v.Record = updated
	default:
		v.Decision = Accept
	}

	c.logger.Debug("pairing evaluated",
		"device_id", rec.UUID(),
		"trust", rec.Trust,
		"decision", v.Decision,
		"unbonded", v.Unbonded)
	return v, nil
}

// Bond marks a known device as bonded and persists it.
func (c *Controller) Bond(id uuid.UUID) (device.Record, error) {
	rec, err := c.store.Bond(id)
	if err != nil {
		return device.Record{}, err
	}
	if c.bonds != nil {
		if err := c.bonds.SaveBond(rec); err != nil {
			return rec, fmt.Errorf("persist bond %s: %w", id, err)
		}
	}
	c.logger.Info("device bonded", "device_id", id, "name", rec.Name)
	return rec, nil
}

// Unbond returns a bonded device to Discovered and forgets the bond.
func (c *Controller) Unbond(id uuid.UUID) (device.Record, error) {
	if !c.store.IsBonded(id) {
		return device.Record{}, fmt.Errorf("%w: %s", ErrNotBonded, id)
	}
	rec, err := c.store.Unbond(id)
	if err != nil {
		return device.Record{}, err
	}
	if c.bonds != nil {
		if err := c.bonds.DeleteBond(id); err != nil {
			return rec, fmt.Errorf("forget bond %s: %w", id, err)
		}
	}
	c.logger.Info("device unbonded", "device_id", id)
	return rec, nil
}

// BondedDevices returns the bonded records.
func (c *Controller) BondedDevices() []device.Record {
	return c.store.Bonded()
}

// Restore loads persisted bonds into the store. Records that fail to restore
// are logged and skipped. Returns the number restored.
func (c *Controller) Restore() (int, error) {
	if c.bonds == nil {
		return 0, nil
	}
	recs, err := c.bonds.LoadBonds()
	if err != nil {
		return 0, fmt.Errorf("load bonds: %w", err)
	}
	n := 0
	for _, rec := range recs {
		if err := c.store.Restore(rec); err != nil {
			c.logger.Warn("skipping persisted bond", "device_id", rec.UUID(), "error", err)
			continue
		}
		n++
	}
	return n, nil
}
