// Package persistence stores the bonded device list so it survives restarts.
//
// Two backends implement the same SaveBond/DeleteBond/LoadBonds contract:
// BondFileStore keeps a small JSON document, SQLiteBondStore keeps one row per
// bond in a SQLite database. Only bonded devices are persisted; discovered
// records are rebuilt by discovery.
package persistence
