// Package license holds the license and activation records shared by the
// store, the licensing services and the transports.
package license

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

type Plan string

const (
	PlanBasic      Plan = "basic"
	PlanPro        Plan = "pro"
	PlanEnterprise Plan = "enterprise"
)

// DefaultPlan is used when an issue request does not name a plan.
const DefaultPlan = PlanPro

func (p Plan) Valid() bool {
	switch p {
	case PlanBasic, PlanPro, PlanEnterprise:
		return true
	}
	return false
}

type License struct {
	ID          string       `json:"id"`
	Key         string       `json:"license_key"`
	Plan        Plan         `json:"plan"`
	MaxAccounts int          `json:"max_accounts"`
	ExpiresAt   time.Time    `json:"expires_at"`
	Active      bool         `json:"active"`
	CreatedAt   time.Time    `json:"created_at"`
	Activations []Activation `json:"activations,omitempty"`
}

// Usable reports whether the license may still grant slots at now.
// A license expiring exactly at now is still usable.
func (l License) Usable(now time.Time) error {
	if !l.Active {
		return Errorf(KindInactive, "license inactive")
	}
	if now.After(l.ExpiresAt) {
		return Errorf(KindExpired, "license expired")
	}
	return nil
}

type Activation struct {
	ID            string    `json:"id"`
	LicenseID     string    `json:"license_id"`
	Account       int64     `json:"account"`
	Server        string    `json:"server"`
	LastValidated time.Time `json:"last_validated"`
	CreatedAt     time.Time `json:"created_at"`
}

// Identity is the (account, server) pair that consumes one slot.
type Identity struct {
	Account int64
	Server  string
}

func (id Identity) String() string {
	return fmt.Sprintf("%d@%s", id.Account, id.Server)
}

var (
	accountPattern = regexp.MustCompile(`^\d+$`)
	serverPattern  = regexp.MustCompile(`^[A-Za-z0-9.-]+$`)
)

// ParseIdentity checks the raw account and server strings a client sent.
// Both must be non-empty; presence is checked by the caller so it can
// report missing parameters separately.
func ParseIdentity(account, server string) (Identity, error) {
	if !accountPattern.MatchString(account) {
		return Identity{}, Errorf(KindBadRequest, "invalid account number")
	}
	n, err := strconv.ParseInt(account, 10, 64)
	if err != nil {
		return Identity{}, Errorf(KindBadRequest, "invalid account number")
	}
	if !serverPattern.MatchString(server) {
		return Identity{}, Errorf(KindBadRequest, "invalid server name")
	}
	return Identity{Account: n, Server: server}, nil
}

// TimeFormat is the wire form of every timestamp: UTC with milliseconds.
const TimeFormat = "2006-01-02T15:04:05.000Z07:00"

// FormatTime renders t in TimeFormat.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}
