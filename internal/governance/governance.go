// Package governance decides whether a peer sovereign's measurements are
// authorized to take part in key-sync: either by checking both sides are
// running in debug mode (TestingOnly, development only), or by looking up
// a signed message on a Safe multisig wallet (production).
package governance

import (
	"context"
	"fmt"

	"github.com/sovereign-tee/sovereign/internal/secmod"
)

// Kind selects which governance policy a sovereign enforces.
type Kind string

const (
	// TestingOnly accepts a peer only if both the peer's and this
	// sovereign's own attestation report a debug-mode code measurement.
	// Refused outside of development.
	TestingOnly Kind = "testing-only"
	// Safe requires the peer's code measurement to be posted (and not
	// revoked) as a confirmed message on a Safe multisig wallet.
	Safe Kind = "safe"
)

// Policy is a sovereign's governance configuration.
type Policy struct {
	Kind Kind `yaml:"kind" json:"kind"`
	// Safe holds the wallet lookup configuration; set only when Kind == Safe.
	Safe *SafeConfig `yaml:"safe,omitempty" json:"safe,omitempty"`
}

// Default returns the TestingOnly policy, matching the original
// implementation's default governance.
func Default() Policy { return Policy{Kind: TestingOnly} }

// Authorizer evaluates a Policy against a peer's attestation document.
type Authorizer struct {
	Module   secmod.Module
	Attestor secmod.Attestor
	Safe     *SafeAuthorizer
}

// Authorize checks that att's code measurement is authorized under p. For
// TestingOnly it additionally re-attests this sovereign itself and checks
// that its own code measurement is also debug. For Safe it delegates to
// a.Safe.Authorize.
func (a *Authorizer) Authorize(ctx context.Context, p Policy, att secmod.AttestationDocument) error {
	switch p.Kind {
	case TestingOnly:
		debug := a.Module.MeasureDebugCode()
		if att.CodeMeasurement() != debug {
			return fmt.Errorf("remote attestation not debug; was %s expected %s", att.CodeMeasurement(), debug)
		}
		selfDoc, err := a.Module.NewAttestation(a.Attestor, nil, nil, nil)
		if err != nil {
			return fmt.Errorf("self attestation: %w", err)
		}
		selfAtt, err := a.Module.Parse(selfDoc)
		if err != nil {
			return fmt.Errorf("parse self attestation: %w", err)
		}
		if selfAtt.CodeMeasurement() != debug {
			return fmt.Errorf("self attestation not debug; was %s expected %s", selfAtt.CodeMeasurement(), debug)
		}
		return nil
	case Safe:
		if p.Safe == nil {
			return fmt.Errorf("safe governance selected with no safe configuration")
		}
		if a.Safe == nil {
			return fmt.Errorf("safe governance selected but no Safe authorizer is configured")
		}
		return a.Safe.Authorize(ctx, *p.Safe, att.CodeMeasurement())
	default:
		return fmt.Errorf("unknown governance kind %q", p.Kind)
	}
}
