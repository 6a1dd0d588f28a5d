package router

import (
	"github.com/pkg/errors"

	"github.com/upcn/agent/internal/uerrors"
)

// Reason is the status-report reason code a routing outcome maps to. The
// bundle processor (external) is the single authority for turning these into
// administrative records; the router only reports them. The names mirror the
// RFC 5050 §6.1.1 reason codes routerTask.c selects from; the integer values
// are this package's own numbering, not the RFC's code values.
type Reason int

const (
	ReasonNoInfo Reason = iota
	ReasonNoKnownRoute
	ReasonNoTimelyContact
	ReasonDepletedStorage
	ReasonBlockUnintelligible
)

func (r Reason) String() string {
	switch r {
	case ReasonNoInfo:
		return "no-info"
	case ReasonNoKnownRoute:
		return "no-known-route"
	case ReasonNoTimelyContact:
		return "no-timely-contact"
	case ReasonDepletedStorage:
		return "depleted-storage"
	case ReasonBlockUnintelligible:
		return "block-unintelligible"
	default:
		return "no-info"
	}
}

// ReasonFor maps a routing failure to its status-report reason. A nil error
// (the bundle routed, or later transmitted) is ReasonNoInfo.
func ReasonFor(err error) Reason {
	if err == nil {
		return ReasonNoInfo
	}
	var re *uerrors.RoutingError
	if !errors.As(err, &re) {
		return ReasonNoInfo
	}
	switch re.Kind {
	case uerrors.NoRoute:
		return ReasonNoKnownRoute
	case uerrors.NoTimelyContacts:
		return ReasonNoTimelyContact
	case uerrors.NoMemory:
		return ReasonDepletedStorage
	case uerrors.InvalidBundle:
		return ReasonBlockUnintelligible
	}
	return ReasonNoInfo
}
