package chainval

import (
	"context"
	"crypto/x509"
	"errors"

	"github.com/georgepadayatti/certchain/agent"
)

// qualifiedState is the qualified-signature classification of a chain.
type qualifiedState int

const (
	qualUnknown qualifiedState = iota
	qualNo
	qualYes
)

// classifyQualified decides whether the chain roots in a certificate
// approved for qualified signatures.  A value already cached on the target
// certificate wins; otherwise the qualified list is consulted for the root
// and the decision is cached there.  Errors leave the state unknown.
func (v *Validator) classifyQualified(ctx context.Context, target, root *x509.Certificate) qualifiedState {
	if buf, ok := v.userData.Get(target, UserDataIsQualified); ok && len(buf) > 0 {
		if buf[0] != 0 {
			return qualYes
		}
		return qualNo
	}

	state := qualUnknown
	_, err := v.agent.IsInQualifiedList(ctx, root)
	switch {
	case err == nil:
		state = qualYes
	case errors.Is(err, agent.ErrNotFound):
		state = qualNo
	default:
		v.log.Error("checking the list of qualified root certificates failed", "err", err)
	}

	if state != qualUnknown {
		value := byte(0)
		if state == qualYes {
			value = 1
		}
		v.userData.Set(root, UserDataIsQualified, []byte{value})
	}
	return state
}
