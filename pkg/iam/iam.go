// Package iam defines the IamPolicy collaborator (spec.md §6): a boolean
// access-control seam consulted before admitting a FindService,
// OfferService, SubscribeEventgroup, or method-level operation. This
// package owns no policy logic of its own — sourcing and evaluating
// policy is explicitly out of scope (spec.md §1 Non-goals) — it only
// defines the interface the SD core depends on and the permissive
// default used when no policy backend is configured.
package iam

import "github.com/cuemby/someipd/pkg/types"

// Decider is the IamPolicy collaborator. Every predicate takes the
// service instance identity and the sender's endpoint and returns
// whether the operation may proceed. A denial causes the specific
// entry to be dropped silently (spec.md §7 "IamDenied") — never a
// reply, never a Go error.
type Decider interface {
	CheckFindService(id types.ServiceInstanceID, sender types.IPEndpoint) bool
	CheckOfferService(id types.ServiceInstanceID, sender types.IPEndpoint) bool
	CheckSubscribeEventgroup(id types.ServiceInstanceID, eventgroupID uint16, sender types.IPEndpoint) bool
	CheckMethod(id types.ServiceInstanceID, methodID uint16, sender types.IPEndpoint) bool
}

// AllowAll is the permissive default Decider: every check passes. Used
// when the daemon is configured without an access-control backend.
type AllowAll struct{}

func (AllowAll) CheckFindService(types.ServiceInstanceID, types.IPEndpoint) bool { return true }
func (AllowAll) CheckOfferService(types.ServiceInstanceID, types.IPEndpoint) bool { return true }
func (AllowAll) CheckSubscribeEventgroup(types.ServiceInstanceID, uint16, types.IPEndpoint) bool {
	return true
}
func (AllowAll) CheckMethod(types.ServiceInstanceID, uint16, types.IPEndpoint) bool { return true }
