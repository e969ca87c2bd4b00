package chainval

import (
	"context"
	"crypto/x509"
	"errors"
)

// regtpCAInfo recognises certificates issued by the German authority for
// qualified signatures (formerly RegTP, now Bundesnetzagentur).  Those CA
// certificates do not set the Basic Constraints, so the chain length is
// synthesised by walking up to the root and checking whether it is on the
// qualified list with country code "de".  The outcome is cached in user
// data to avoid duplicate lookups.
func (v *Validator) regtpCAInfo(ctx context.Context, cert *x509.Certificate) (int, bool) {
	if buf, ok := v.userData.Get(cert, UserDataRegTPChainLen); ok {
		if len(buf) < 2 || buf[0] == 0 {
			return 0, false
		}
		return int(buf[1]), true
	}

	// Walk up the chain.  The German signature law demands a three tier
	// hierarchy, so four certificates are enough to reach the root.
	chain := []*x509.Certificate{cert}
	reachedRoot := false
	for len(chain) < 4 {
		next, err := v.WalkChain(ctx, chain[len(chain)-1])
		if err != nil {
			reachedRoot = errors.Is(err, ErrEndOfChain)
			break
		}
		chain = append(chain, next)
	}
	if !reachedRoot {
		v.userData.Set(cert, UserDataRegTPChainLen, []byte{0})
		return 0, false
	}

	root := chain[len(chain)-1]
	country, err := v.agent.IsInQualifiedList(ctx, root)
	if err == nil && country == "de" {
		// Setting the path length for the root and the CA flag for the
		// one below it is all that is needed.
		v.userData.Set(root, UserDataRegTPChainLen, []byte{1, 1})
		if len(chain) > 1 {
			v.userData.Set(chain[len(chain)-2], UserDataRegTPChainLen, []byte{1, 0})
			return 0, true
		}
		return 1, true
	}

	// Nothing special with this certificate; mark it anyway to avoid
	// duplicate lookups.
	v.userData.Set(cert, UserDataRegTPChainLen, []byte{0})
	return 0, false
}
