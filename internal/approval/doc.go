// Package approval implements the two-tier tool trust policy.
//
// A global record for (user, server, tool) with approved and auto_approve
// set short-circuits every check, across all conversations. Otherwise a
// conversation-scoped approved record decides. There is no persisted
// negative state: a denial simply never produces an approved record, and
// approved=false rows fall through exactly like missing ones.
//
// Expiry is evaluated at read time; an expired record is indistinguishable
// from a missing one. Every check is a fresh lookup, never cached.
package approval
