// Package pairing applies the pairing flags to device records.
//
// # Decisions
//
// Evaluate runs the rules in a fixed order:
//
//  1. AcceptAnonymous unset and the device is not bonded: Reject.
//  2. ForcePairing set and the device is not bonded: ForceBonding.
//  3. ProposePairing set and the device is only discovered: ProposeBonding.
//  4. RemovePairing set and the device is bonded: the device is unbonded and
//     the verdict reports the removal.
//  5. Otherwise: Accept.
//
// # Bonding
//
// The controller is the only component that changes trust. Bond and Unbond
// update the device store and, when configured, a persistent BondStore so the
// bonded list survives restarts. Restore loads that list back into the store.
//
// # Verification Code
//
// Before confirming a bond both users compare a six digit code derived with
// HKDF-SHA256 from the two public keys and a per-exchange nonce. The code is
// symmetric: both sides compute the same value regardless of who initiated.
package pairing
