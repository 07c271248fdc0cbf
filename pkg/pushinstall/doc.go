// Package pushinstall implements the push-install handshake used when a peer
// lacks the software a session needs.
//
// An attempt moves through four states:
//
//	IDLE -> AWAITING_CONSENT -> TRANSFERRING -> FINISHED
//
// Local consent is asked through the Listener. Metered links refuse
// automatically unless the attempt is forced. The peer may refuse too, either
// because its user declined or because it does not accept software from
// unknown sources. Every attempt ends in exactly one Finished status:
//
//	 1  installed
//	 0  already up to date, nothing transferred
//	-1  refused
//	-2  refused, unknown sources disabled on the peer
//	-3  transport failure (the error is surfaced, never retried)
//
// The Installer contract is satisfied by pkg/transport channels; the platform
// package installer on the peer side is out of scope.
package pushinstall
