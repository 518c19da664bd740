package recon

import "errors"

// ErrOrderNotFound: no order matches the gateway session reference. The
// webhook receiver acknowledges these so the gateway stops retrying.
var ErrOrderNotFound = errors.New("no order for payment session")
